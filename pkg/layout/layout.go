// Package layout builds deterministic bucket keys and filenames for
// archive units. Every function is a pure function of the message
// context: the same unit always produces the same keys.
package layout

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/cptnfren/teltubby/pkg/archive"
)

const (
	// RootPrefix is the fixed top-level directory of the archive.
	RootPrefix = "teltubby"

	// MaxFilenameLength bounds a single object filename.
	MaxFilenameLength = 120

	// MaxKeyLength bounds a full object key.
	MaxKeyLength = 512

	// CaptionSnippetWords is how many caption words flow into filenames.
	CaptionSnippetWords = 6

	// ManifestName is the metadata artifact stored with each unit.
	ManifestName = "message.json"
)

// asciiFold strips combining marks after canonical decomposition, which
// turns most accented letters into their ASCII base form.
var asciiFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Transliterate converts s to its closest ASCII form. Characters with
// no ASCII base form are dropped.
func Transliterate(s string) string {
	folded, _, err := transform.String(asciiFold, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Slugify normalizes s for use in keys: transliterate to ASCII,
// lowercase, spaces to hyphens, keep [a-z0-9._-], collapse separator
// runs, trim separators from both ends.
func Slugify(s string) string {
	s = strings.ToLower(Transliterate(s))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '-':
			b.WriteByte('-')
		}
		// anything else is dropped
	}

	return trimSeparators(collapseSeparators(b.String()))
}

// CaptionSnippet returns the first CaptionSnippetWords words of the
// caption, slugged. Empty captions yield an empty snippet.
func CaptionSnippet(caption string) string {
	words := strings.Fields(caption)
	if len(words) > CaptionSnippetWords {
		words = words[:CaptionSnippetWords]
	}
	return Slugify(strings.Join(words, " "))
}

// ChatSlug derives the source slug for a unit. It prefers the forward
// origin's username, then its title; when the origin is hidden or
// absent it falls back to the curator's username or numeric id.
func ChatSlug(u *archive.Unit) string {
	if u.Forward != nil {
		if s := Slugify(u.Forward.Username); s != "" {
			return s
		}
		if s := Slugify(u.Forward.Title); s != "" {
			return s
		}
	}
	if s := Slugify(u.SenderUsername); s != "" {
		return s
	}
	return strconv.FormatInt(u.SenderID, 10)
}

// SenderSlug derives the curator slug: username if present, otherwise
// the numeric id.
func SenderSlug(u *archive.Unit) string {
	if s := Slugify(u.SenderUsername); s != "" {
		return s
	}
	return strconv.FormatInt(u.SenderID, 10)
}

// Prefix returns the unit's key prefix, ending in a slash:
//
//	teltubby/{YYYY}/{MM}/{chat_slug}/{message_id}/
//
// Year and month come from the message timestamp in UTC.
func Prefix(u *archive.Unit) string {
	ts := u.Timestamp.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%s/%d/", RootPrefix, ts.Year(), int(ts.Month()), ChatSlug(u), u.MessageID)
}

// ManifestKey returns the key of the unit's message.json artifact.
func ManifestKey(prefix string) string {
	return prefix + ManifestName
}

// Filename builds the per-item filename:
//
//	YYYYMMDD-HHMMSS_{chat}_{sender}_m{message_id}[-g{group_id}]_{NNN}_{caption}.{ext}
//
// The caption snippet is trimmed first when the name would exceed
// MaxFilenameLength; the extension always survives.
func Filename(u *archive.Unit, item *archive.Item) string {
	ts := u.Timestamp.UTC().Format("20060102-150405")

	var b strings.Builder
	b.WriteString(ts)
	b.WriteByte('_')
	b.WriteString(ChatSlug(u))
	b.WriteByte('_')
	b.WriteString(SenderSlug(u))
	b.WriteString("_m")
	b.WriteString(strconv.FormatInt(u.MessageID, 10))
	if u.MediaGroupID != "" {
		b.WriteString("-g")
		b.WriteString(Slugify(u.MediaGroupID))
	}
	b.WriteByte('_')
	fmt.Fprintf(&b, "%03d", item.Ordinal)

	stem := b.String()
	ext := Extension(item)

	if snippet := CaptionSnippet(u.Caption); snippet != "" {
		budget := MaxFilenameLength - len(stem) - len(ext) - 1
		if budget > 0 {
			if len(snippet) > budget {
				snippet = trimSeparators(snippet[:budget])
			}
			if snippet != "" {
				stem = stem + "_" + snippet
			}
		}
	}

	return fitName(stem, ext, MaxFilenameLength)
}

// Key returns the full object key for an item, bounded by MaxKeyLength.
// When prefix plus filename would exceed the bound, the filename stem is
// trimmed further; the extension always survives.
func Key(u *archive.Unit, item *archive.Item) string {
	prefix := Prefix(u)
	name := Filename(u, item)

	if len(prefix)+len(name) <= MaxKeyLength {
		return prefix + name
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return prefix + fitName(stem, ext, MaxKeyLength-len(prefix))
}

// Extension returns the item's filename extension. The original
// extension from the transport filename is preserved verbatim, even
// when inconsistent with the declared MIME; items without a filename
// get a default by media kind.
func Extension(item *archive.Item) string {
	if ext := path.Ext(item.FileName); ext != "" && ext != "." {
		return ext
	}
	return defaultExtension(item.Kind)
}

func defaultExtension(kind archive.MediaKind) string {
	switch kind {
	case archive.KindPhoto:
		return ".jpg"
	case archive.KindVideo, archive.KindAnimation, archive.KindVideoNote:
		return ".mp4"
	case archive.KindAudio:
		return ".mp3"
	case archive.KindVoice:
		return ".ogg"
	case archive.KindSticker:
		return ".webp"
	default:
		return ".bin"
	}
}

// fitName trims the stem so stem+ext fits in max bytes.
func fitName(stem, ext string, max int) string {
	if len(stem)+len(ext) <= max {
		return stem + ext
	}
	cut := max - len(ext)
	if cut < 1 {
		// degenerate prefix; keep at least one stem byte
		cut = 1
	}
	if cut > len(stem) {
		cut = len(stem)
	}
	trimmed := trimSeparators(stem[:cut])
	if trimmed == "" {
		trimmed = stem[:1]
	}
	return trimmed + ext
}

func collapseSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		if (r == '-' || r == '_') && r == prev {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

func trimSeparators(s string) string {
	return strings.Trim(s, "-_")
}

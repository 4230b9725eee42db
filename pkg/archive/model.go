package archive

import "time"

// MediaKind classifies an item's payload.
type MediaKind string

const (
	KindPhoto     MediaKind = "photo"
	KindVideo     MediaKind = "video"
	KindDocument  MediaKind = "document"
	KindAudio     MediaKind = "audio"
	KindVoice     MediaKind = "voice"
	KindAnimation MediaKind = "animation"
	KindVideoNote MediaKind = "video_note"
	KindSticker   MediaKind = "sticker"
	KindOther     MediaKind = "other"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	switch k {
	case KindPhoto, KindVideo, KindDocument, KindAudio, KindVoice,
		KindAnimation, KindVideoNote, KindSticker, KindOther:
		return true
	}
	return false
}

// Item is one binary payload within an archive unit.
//
// Ordinal is 1-based and stable within the unit: it is assigned once by
// the aggregator and never re-numbered, even when earlier items are
// skipped or deduplicated.
type Item struct {
	Ordinal int
	Kind    MediaKind

	// Declared by the transport; not verified against the payload.
	MIME     string
	SizeHint int64

	Width    int
	Height   int
	Duration int

	// FileID is the transport handle used for fetching; FileUniqueID is
	// stable per content across messages and chats.
	FileID       string
	FileUniqueID string

	// FileName is the original filename if the transport carried one.
	FileName string
}

// Entity is a formatting entity of a caption or text.
type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	URL    string `json:"url,omitempty"`
	UserID int64  `json:"user_id,omitempty"`
}

// Origin is the forward-origin snapshot of a forwarded message.
// A hidden origin carries only SenderName.
type Origin struct {
	Type       string    `json:"type"` // user, chat, channel, hidden_user
	ChatID     int64     `json:"chat_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	Username   string    `json:"username,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Date       time.Time `json:"date,omitempty"`
}

// Unit is the atomic archival unit: a single message or a whole album.
type Unit struct {
	ChatID       int64
	ChatTitle    string
	ChatUsername string

	SenderID       int64
	SenderUsername string

	MessageID    int64
	MediaGroupID string

	// Timestamp is the message timestamp (UTC).
	Timestamp time.Time

	Caption         string
	CaptionEntities []Entity
	Entities        []Entity

	Forward *Origin

	Items []*Item

	// Notes carries an aggregation annotation (e.g. a late album
	// fragment archived as its own unit). It is merged into the
	// manifest's notes at commit.
	Notes string
}

// IsAlbum reports whether the unit groups multiple messages of a media
// group.
func (u *Unit) IsAlbum() bool {
	return u.MediaGroupID != ""
}

package botapi

import (
	"time"

	"github.com/cptnfren/teltubby/pkg/archive"
)

// Update is one entry of a getUpdates batch.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// User identifies a Telegram account.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"` // private, group, supergroup, channel
	Title    string `json:"title"`
	Username string `json:"username"`
}

// PhotoSize is one rendition of a photo; getUpdates lists renditions in
// ascending size.
type PhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int64  `json:"file_size"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

// MediaFile covers the common shape of video, document, audio, voice,
// animation, video note, and sticker payloads.
type MediaFile struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int64  `json:"file_size"`
	FileName     string `json:"file_name"`
	MIMEType     string `json:"mime_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Duration     int    `json:"duration"`
}

// Entity is a formatting entity of a message text or caption.
type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	URL    string `json:"url"`
	User   *User  `json:"user"`
}

// ForwardOrigin describes where a forwarded message came from.
type ForwardOrigin struct {
	Type           string `json:"type"` // user, hidden_user, chat, channel
	Date           int64  `json:"date"`
	SenderUser     *User  `json:"sender_user"`
	SenderUserName string `json:"sender_user_name"`
	SenderChat     *Chat  `json:"sender_chat"`
	Chat           *Chat  `json:"chat"`
}

// Message is the subset of a Telegram message the archiver reads.
type Message struct {
	MessageID    int64  `json:"message_id"`
	From         *User  `json:"from"`
	Chat         Chat   `json:"chat"`
	Date         int64  `json:"date"`
	MediaGroupID string `json:"media_group_id"`

	Text            string   `json:"text"`
	Entities        []Entity `json:"entities"`
	Caption         string   `json:"caption"`
	CaptionEntities []Entity `json:"caption_entities"`

	ForwardOrigin *ForwardOrigin `json:"forward_origin"`

	Photo     []PhotoSize `json:"photo"`
	Video     *MediaFile  `json:"video"`
	Document  *MediaFile  `json:"document"`
	Audio     *MediaFile  `json:"audio"`
	Voice     *MediaFile  `json:"voice"`
	Animation *MediaFile  `json:"animation"`
	VideoNote *MediaFile  `json:"video_note"`
	Sticker   *MediaFile  `json:"sticker"`
}

// SenderID returns the sending user's id, zero for anonymous senders.
func (m *Message) SenderID() int64 {
	if m.From == nil {
		return 0
	}
	return m.From.ID
}

// HasMedia reports whether the message carries an archivable payload.
func (m *Message) HasMedia() bool {
	return len(m.Photo) > 0 || m.Video != nil || m.Document != nil ||
		m.Audio != nil || m.Voice != nil || m.Animation != nil ||
		m.VideoNote != nil || m.Sticker != nil
}

// ToUnit converts one message into a single-message archive unit. The
// aggregator later merges units sharing a media group id.
func (m *Message) ToUnit() *archive.Unit {
	unit := &archive.Unit{
		ChatID:          m.Chat.ID,
		ChatTitle:       m.Chat.Title,
		ChatUsername:    m.Chat.Username,
		SenderID:        m.SenderID(),
		MessageID:       m.MessageID,
		MediaGroupID:    m.MediaGroupID,
		Timestamp:       time.Unix(m.Date, 0).UTC(),
		Caption:         m.Caption,
		CaptionEntities: convertEntities(m.CaptionEntities),
		Entities:        convertEntities(m.Entities),
		Forward:         convertOrigin(m.ForwardOrigin),
	}
	if m.From != nil {
		unit.SenderUsername = m.From.Username
	}
	// A text-only message still forms a unit; the pipeline rejects it
	// with a missing-media ack rather than dropping it silently.
	if item := m.mediaItem(); item != nil {
		item.Ordinal = 1
		unit.Items = []*archive.Item{item}
	}
	return unit
}

// mediaItem extracts the message's payload as an archive item.
func (m *Message) mediaItem() *archive.Item {
	if len(m.Photo) > 0 {
		// Renditions are listed smallest first; archive the original.
		p := m.Photo[len(m.Photo)-1]
		return &archive.Item{
			Kind:         archive.KindPhoto,
			FileID:       p.FileID,
			FileUniqueID: p.FileUniqueID,
			SizeHint:     p.FileSize,
			Width:        p.Width,
			Height:       p.Height,
		}
	}

	kinds := []struct {
		file *MediaFile
		kind archive.MediaKind
	}{
		{m.Video, archive.KindVideo},
		{m.Document, archive.KindDocument},
		{m.Audio, archive.KindAudio},
		{m.Voice, archive.KindVoice},
		{m.Animation, archive.KindAnimation},
		{m.VideoNote, archive.KindVideoNote},
		{m.Sticker, archive.KindSticker},
	}
	for _, k := range kinds {
		if k.file == nil {
			continue
		}
		return &archive.Item{
			Kind:         k.kind,
			FileID:       k.file.FileID,
			FileUniqueID: k.file.FileUniqueID,
			SizeHint:     k.file.FileSize,
			FileName:     k.file.FileName,
			MIME:         k.file.MIMEType,
			Width:        k.file.Width,
			Height:       k.file.Height,
			Duration:     k.file.Duration,
		}
	}
	return nil
}

func convertEntities(in []Entity) []archive.Entity {
	if len(in) == 0 {
		return nil
	}
	out := make([]archive.Entity, 0, len(in))
	for _, e := range in {
		converted := archive.Entity{
			Type:   e.Type,
			Offset: e.Offset,
			Length: e.Length,
			URL:    e.URL,
		}
		if e.User != nil {
			converted.UserID = e.User.ID
		}
		out = append(out, converted)
	}
	return out
}

func convertOrigin(in *ForwardOrigin) *archive.Origin {
	if in == nil {
		return nil
	}
	out := &archive.Origin{Type: in.Type}
	if in.Date != 0 {
		out.Date = time.Unix(in.Date, 0).UTC()
	}
	switch {
	case in.SenderUser != nil:
		out.ChatID = in.SenderUser.ID
		out.Username = in.SenderUser.Username
	case in.SenderUserName != "":
		out.SenderName = in.SenderUserName
	case in.Chat != nil:
		out.ChatID = in.Chat.ID
		out.Title = in.Chat.Title
		out.Username = in.Chat.Username
	case in.SenderChat != nil:
		out.ChatID = in.SenderChat.ID
		out.Title = in.SenderChat.Title
		out.Username = in.SenderChat.Username
	}
	return out
}

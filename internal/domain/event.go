// Package domain defines the tracked entities and shared constants for the bot.
package domain

import (
	"time"
	"unicode/utf8"
)

// DateLayout is the calendar-day format stored on every event. Days are
// derived in process-local time when the event is recorded, so grouping by
// day never depends on query-time timezone math.
const DateLayout = "2006-01-02"

// MessageKind classifies a tracked message by its content type.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindPhoto    MessageKind = "photo"
	KindVideo    MessageKind = "video"
	KindSticker  MessageKind = "sticker"
	KindDocument MessageKind = "document"
	KindVoice    MessageKind = "voice"
	KindOther    MessageKind = "other"
)

// ActivityEvent is one recorded message. Events are append-only facts: the
// core never mutates or deletes them.
type ActivityEvent struct {
	ChatID    int64       `bson:"chat_id" json:"chat_id"`
	UserID    int64       `bson:"user_id" json:"user_id"`
	Username  string      `bson:"username,omitempty" json:"username,omitempty"`
	FirstName string      `bson:"first_name,omitempty" json:"first_name,omitempty"`
	Timestamp time.Time   `bson:"timestamp" json:"timestamp"`
	Kind      MessageKind `bson:"message_type" json:"message_type"`
	CharCount int         `bson:"char_count" json:"char_count"`
	Date      string      `bson:"date" json:"date"`
	Hour      int         `bson:"hour" json:"hour"`
}

// MessageContent carries the content signals of an inbound message that the
// classifier inspects.
type MessageContent struct {
	Text        string
	HasPhoto    bool
	HasVideo    bool
	HasSticker  bool
	HasDocument bool
	HasVoice    bool
}

// Classify returns the kind of the message and, for text, its character
// length. The first matching capability wins, in the fixed order text, photo,
// video, sticker, document, voice; anything else is KindOther.
func Classify(content MessageContent) (MessageKind, int) {
	switch {
	case content.Text != "":
		return KindText, utf8.RuneCountInString(content.Text)
	case content.HasPhoto:
		return KindPhoto, 0
	case content.HasVideo:
		return KindVideo, 0
	case content.HasSticker:
		return KindSticker, 0
	case content.HasDocument:
		return KindDocument, 0
	case content.HasVoice:
		return KindVoice, 0
	default:
		return KindOther, 0
	}
}

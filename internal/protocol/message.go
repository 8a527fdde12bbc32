package protocol

import "time"

// TimestampLayout matches the JavaScript Date.toISOString format the
// protocol has always used for message timestamps. The timestamp is part of
// a message's dedup identity, so the format must stay byte-stable.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Attachment is an embedded file payload carried inside a chat message.
// The Data field holds the encoded payload (a data URI); attachments are
// immutable once constructed.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	Data string `json:"data"`
}

// Message is one chat message. The (Timestamp, Sender, Content) triple is
// its identity for deduplication; attachments are excluded on purpose so a
// re-delivery with re-encoded attachments still dedupes.
type Message struct {
	Timestamp   string       `json:"timestamp"`
	Sender      string       `json:"sender"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
}

// NewMessage stamps a message with the current UTC time.
func NewMessage(sender, content string, attachments []Attachment) Message {
	if attachments == nil {
		attachments = []Attachment{}
	}
	return Message{
		Timestamp:   time.Now().UTC().Format(TimestampLayout),
		Sender:      sender,
		Content:     content,
		Attachments: attachments,
	}
}

// SameIdentity reports whether two messages are the same message for
// deduplication purposes. All three identity fields must match exactly.
func (m Message) SameIdentity(other Message) bool {
	return m.Timestamp == other.Timestamp &&
		m.Sender == other.Sender &&
		m.Content == other.Content
}

package model

import (
	"strings"
	"time"
)

// Origin classifies which direction a message travelled relative to the
// mailbox owner.
type Origin string

const (
	OriginInbound  Origin = "inbox"
	OriginOutbound Origin = "sent"
)

// OriginForFolder derives the message direction from the folder it was
// found in. Anything that is not the inbox (Sent, localized Sent names,
// Gmail's "[Gmail]/Sent Mail") counts as outbound.
func OriginForFolder(folder string) Origin {
	if strings.EqualFold(folder, "INBOX") {
		return OriginInbound
	}
	return OriginOutbound
}

// Email is the canonical, normalized form of one fetched message. It is
// immutable after normalization: it is either cached, persisted, or handed
// downstream, never mutated in place.
type Email struct {
	// Folder is the mailbox folder the message was fetched from.
	Folder string `json:"folder"`

	// Origin is inbound/outbound, derived from Folder.
	Origin Origin `json:"origin"`

	Subject string `json:"subject"`
	From    string `json:"from"`
	To      string `json:"to"`

	// Date is the parsed Date header. Messages without a parseable date
	// never make it into an Email.
	Date time.Time `json:"date"`

	// Body is plain text. When the message carried only HTML, Body holds
	// the stripped plain-text rendering of it.
	Body string `json:"body"`

	// ContentType and Charset describe the part Body was extracted from,
	// kept for audit and debugging.
	ContentType string `json:"content_type,omitempty"`
	Charset     string `json:"charset,omitempty"`

	AttachmentsPresent bool `json:"attachments_present"`

	// MessageID is the protocol-level identifier; empty on malformed
	// input. A non-empty MessageID is the dedup key.
	MessageID string `json:"message_id"`

	// ThreadID groups messages into one conversation. Derived from
	// References, In-Reply-To or Message-ID; synthesized from folder and
	// positional index when all are absent.
	ThreadID string `json:"thread_id"`
}

// Attachment is one file carried by a message. Payloads live only as long
// as the message that produced them; attachments are not deduplicated.
type Attachment struct {
	Filename string
	Payload  []byte
}

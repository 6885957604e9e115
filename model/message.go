package model

import "time"

// Handle references a message inside a mailbox for the duration of one run.
// It is never persisted: IMAP sequence numbers and mbox ordinals are not stable across runs.
type Handle string

// Header is the subset of transport headers fetched during enumeration.
type Header struct {
	Subject   string
	Date      string
	MessageID string
	From      string
}

// Message is a fully fetched message. It only lives for one fetch and process cycle.
type Message struct {
	Header     Header
	Sender     string
	ReceivedAt time.Time
	HTML       string
	// Headers holds the transport headers used for fingerprinting, keyed by canonical name.
	Headers map[string]string
	// Attachments maps a normalized Content-ID to the inline part bytes.
	Attachments map[string][]byte
}

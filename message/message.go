// Package message turns raw RFC 5322 bytes into the header subset and the HTML
// body used by the archive pipeline.
package message

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	mtextproto "github.com/emersion/go-message/textproto"

	"github.com/dhcgn/newsletter-archive/model"
)

// ErrNoHTML is returned when a message has no text/html part.
var ErrNoHTML = errors.New("message has no html part")

// UnknownSender is used when the From header carries neither a name nor an address.
const UnknownSender = "Unknown"

// ParseHeader reads only the header block of raw and returns the fields used for
// identity derivation and filtering.
func ParseHeader(raw []byte) (model.Header, error) {
	h, err := mtextproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return model.Header{}, fmt.Errorf("read header: %w", err)
	}
	mh := mail.Header{Header: gomessage.Header{Header: h}}
	return headerSubset(mh), nil
}

// Parse reads a full message and selects its first text/html part. Inline parts
// that carry a Content-ID are kept as attachments so cid: references resolve.
func Parse(raw []byte) (*model.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("create reader: %w", err)
	}
	defer mr.Close()

	msg := &model.Message{
		Header:      headerSubset(mr.Header),
		Sender:      senderName(mr.Header),
		Headers:     collectHeaders(mr.Header),
		Attachments: make(map[string][]byte),
	}
	if t, err := mr.Header.Date(); err == nil {
		msg.ReceivedAt = t.UTC()
	}

	found := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if found {
				break
			}
			return nil, fmt.Errorf("read part: %w", err)
		}

		var (
			contentType string
			contentID   string
		)
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ = h.ContentType()
			contentID = h.Get("Content-Id")
		case *mail.AttachmentHeader:
			contentType, _, _ = h.ContentType()
			contentID = h.Get("Content-Id")
		default:
			continue
		}
		contentType = strings.ToLower(contentType)

		if contentType == "text/html" && !found {
			body, err := io.ReadAll(part.Body)
			if err != nil && !gomessage.IsUnknownCharset(err) {
				return nil, fmt.Errorf("read html part: %w", err)
			}
			msg.HTML = string(body)
			found = true
			continue
		}

		if cid := NormalizeContentID(contentID); cid != "" {
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			msg.Attachments[cid] = data
		}
	}

	if !found || strings.TrimSpace(msg.HTML) == "" {
		return nil, ErrNoHTML
	}
	return msg, nil
}

// NormalizeContentID strips the angle brackets around a Content-ID value or the
// cid: scheme of a reference, so both sides of a lookup agree.
func NormalizeContentID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) >= 4 && strings.EqualFold(id[:4], "cid:") {
		id = id[4:]
	}
	return strings.ToLower(strings.Trim(id, "<> "))
}

func headerSubset(h mail.Header) model.Header {
	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	from, err := h.Text("From")
	if err != nil {
		from = h.Get("From")
	}
	return model.Header{
		Subject:   strings.TrimSpace(subject),
		Date:      strings.TrimSpace(h.Get("Date")),
		MessageID: strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>"),
		From:      strings.TrimSpace(from),
	}
}

func senderName(h mail.Header) string {
	addrs, err := h.AddressList("From")
	if err == nil && len(addrs) > 0 {
		if name := strings.TrimSpace(addrs[0].Name); name != "" {
			return name
		}
		if addr := strings.TrimSpace(addrs[0].Address); addr != "" {
			return addr
		}
	}
	if raw := strings.TrimSpace(h.Get("From")); raw != "" {
		return raw
	}
	return UnknownSender
}

func collectHeaders(h mail.Header) map[string]string {
	out := make(map[string]string)
	fields := h.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		if _, ok := out[key]; ok {
			continue
		}
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		out[key] = value
	}
	return out
}

// ParseDate parses an RFC 5322 date header, returning the zero time when it is malformed.
func ParseDate(s string) time.Time {
	if strings.TrimSpace(s) == "" {
		return time.Time{}
	}
	h := mail.Header{}
	h.Set("Date", s)
	t, err := h.Date()
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

package message

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const multipartRaw = "From: =?UTF-8?Q?Caf=C3=A9_News?= <hello@cafe.example>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: =?UTF-8?Q?Fwd:_Caf=C3=A9_weekly?=\r\n" +
	"Date: Mon, 01 Jan 2024 10:00:00 +0100\r\n" +
	"Message-Id: <abc@cafe.example>\r\n" +
	"X-Mailer: MailChimp Mailer\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/related; boundary=\"XYZ\"\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain version\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><p>Hello</p><img src=\"cid:logo@cafe\"></body></html>\r\n" +
	"--XYZ\r\n" +
	"Content-Type: image/gif\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"Content-Id: <logo@cafe>\r\n" +
	"Content-Disposition: inline\r\n" +
	"\r\n" +
	"R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7\r\n" +
	"--XYZ--\r\n"

func TestParse_Multipart(t *testing.T) {
	msg, err := Parse([]byte(multipartRaw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if msg.Header.Subject != "Fwd: Café weekly" {
		t.Errorf("Subject = %q", msg.Header.Subject)
	}
	if msg.Header.MessageID != "abc@cafe.example" {
		t.Errorf("MessageID = %q", msg.Header.MessageID)
	}
	if msg.Sender != "Café News" {
		t.Errorf("Sender = %q", msg.Sender)
	}
	if msg.ReceivedAt.IsZero() || msg.ReceivedAt.Hour() != 9 {
		t.Errorf("ReceivedAt = %v, want 09:00 UTC", msg.ReceivedAt)
	}
	if !strings.Contains(msg.HTML, "<p>Hello</p>") {
		t.Errorf("HTML = %q", msg.HTML)
	}
	if got := msg.Headers["X-Mailer"]; got != "MailChimp Mailer" {
		t.Errorf("X-Mailer = %q", got)
	}

	gif, _ := base64.StdEncoding.DecodeString("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")
	if got := msg.Attachments["logo@cafe"]; string(got) != string(gif) {
		t.Errorf("attachment bytes = %v, want %v", got, gif)
	}
}

func TestParse_SinglePartHTML(t *testing.T) {
	raw := "From: news@example.com\r\n" +
		"Subject: Single\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>only html</p>\r\n"

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !strings.Contains(msg.HTML, "only html") {
		t.Errorf("HTML = %q", msg.HTML)
	}
	if msg.Sender != "news@example.com" {
		t.Errorf("Sender = %q", msg.Sender)
	}
}

func TestParse_NoHTML(t *testing.T) {
	raw := "From: news@example.com\r\n" +
		"Subject: Plain\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"just text\r\n"

	_, err := Parse([]byte(raw))
	if !errors.Is(err, ErrNoHTML) {
		t.Fatalf("Parse() error = %v, want ErrNoHTML", err)
	}
}

func TestParseHeader(t *testing.T) {
	h, err := ParseHeader([]byte(multipartRaw))
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if h.Subject != "Fwd: Café weekly" {
		t.Errorf("Subject = %q", h.Subject)
	}
	if h.Date != "Mon, 01 Jan 2024 10:00:00 +0100" {
		t.Errorf("Date = %q", h.Date)
	}
	if !strings.Contains(h.From, "hello@cafe.example") {
		t.Errorf("From = %q", h.From)
	}
}

func TestNormalizeContentID(t *testing.T) {
	tests := map[string]string{
		"<Logo@Cafe>":   "logo@cafe",
		"cid:logo@cafe": "logo@cafe",
		"CID:<x>":       "x",
		"":              "",
	}
	for in, want := range tests {
		if got := NormalizeContentID(in); got != want {
			t.Errorf("NormalizeContentID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseDate(t *testing.T) {
	if !ParseDate("garbage").IsZero() {
		t.Error("expected zero time for malformed date")
	}
	got := ParseDate("Tue, 02 Jan 2024 08:30:00 +0000")
	if got.Day() != 2 || got.Hour() != 8 {
		t.Errorf("ParseDate() = %v", got)
	}
}

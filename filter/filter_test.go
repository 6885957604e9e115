package filter

import (
	"testing"

	"github.com/dhcgn/newsletter-archive/model"
)

func TestFilter_Allows_IncludeMode(t *testing.T) {
	opts := Options{
		IncludeHeader: []string{"From: .*@news\\.example\\.com"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(model.Header{Subject: "Weekly", From: "Shop <hello@news.example.com>"}) {
		t.Error("Expected message to be allowed (sender matches)")
	}

	if f.Allows(model.Header{Subject: "Weekly", From: "friend@example.org"}) {
		t.Error("Expected message to be filtered out (sender doesn't match)")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	opts := Options{
		ExcludeHeader: []string{"(?i)subject: .*receipt"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(model.Header{Subject: "Spring collection"}) {
		t.Error("Expected message to be allowed")
	}

	if f.Allows(model.Header{Subject: "Your Receipt #123"}) {
		t.Error("Expected message to be filtered out (receipt)")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	opts := Options{
		IncludeHeader: []string{"test"},
		ExcludeHeader: []string{"spam"},
	}
	_, err := New(opts)
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	f, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if f.Active() {
		t.Error("Expected inactive filter")
	}
	if !f.Allows(model.Header{Subject: "Any Message"}) {
		t.Error("Expected message to be allowed when no filters are active")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{IncludeHeader: []string{"("}}); err == nil {
		t.Error("Expected compile error")
	}
}

func TestFilter_Stats(t *testing.T) {
	f, err := New(Options{ExcludeHeader: []string{"spam", "ads"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	f.Allows(model.Header{Subject: "spam one"})
	f.Allows(model.Header{Subject: "spam two"})
	f.Allows(model.Header{Subject: "clean"})

	s := f.Stats()
	if len(s.ExcludePatterns) != 2 {
		t.Fatalf("ExcludePatterns = %v", s.ExcludePatterns)
	}
	if s.Hits["spam"] != 2 {
		t.Errorf("spam hits = %d, want 2", s.Hits["spam"])
	}
	if s.Hits["ads"] != 0 {
		t.Errorf("ads hits = %d, want 0", s.Hits["ads"])
	}
}

func TestFormatHeader(t *testing.T) {
	got := FormatHeader(model.Header{Subject: "S", From: "F", Date: "D", MessageID: "M"})
	want := "Subject: S\nFrom: F\nDate: D\nMessage-Id: M\n"
	if got != want {
		t.Errorf("FormatHeader() = %q, want %q", got, want)
	}
}

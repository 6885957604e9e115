package progress

import (
	"testing"

	"github.com/dhcgn/newsletter-archive/stats"
)

func TestBar_DisabledOutsideInfo(t *testing.T) {
	b := New("debug")
	b.Update(stats.Event{Type: stats.EventTypePlanned, Count: 3})
	b.Update(stats.Event{Stage: stats.StageProcess, Type: stats.EventTypeProcessed})
	if b.pb != nil {
		t.Error("disabled bar must not start")
	}
	b.Stop()
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("Ünïcödé newsletter subject", 10); got != "Ünïcödé..." {
		t.Errorf("truncate() = %q", got)
	}
}

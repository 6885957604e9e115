package stats

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestCollector_Apply(t *testing.T) {
	c := NewCollector()
	boom := errors.New("boom")
	events := make(chan Event, 8)
	events <- Event{Type: EventTypeScanned}
	events <- Event{Type: EventTypeScanned}
	events <- Event{Type: EventTypeUpToDate, Count: 5}
	events <- Event{Type: EventTypeProcessed, Identity: "aaaaaaaaaaaa"}
	events <- Event{Type: EventTypeFailed, Err: boom}
	events <- Event{Type: EventTypeDeleted, Count: 2}
	close(events)

	c.Run(context.Background(), events)
	got := c.Snapshot()
	want := Summary{Scanned: 2, UpToDate: 5, Processed: 1, Failed: 1, Deleted: 2, LastError: boom}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestTop(t *testing.T) {
	got := Top(map[string]int{"Mailchimp": 3, "Klaviyo": 3, "unknown": 1, "HubSpot": 2}, 3)
	want := []Pair{{"Klaviyo", 3}, {"Mailchimp", 3}, {"HubSpot", 2}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Top() = %v, want %v", got, want)
	}
	if len(Top(map[string]int{"a": 1}, 10)) != 1 {
		t.Error("limit above size should return everything")
	}
}

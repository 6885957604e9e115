package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dhcgn/newsletter-archive/filter"
	"github.com/dhcgn/newsletter-archive/identity"
	"github.com/dhcgn/newsletter-archive/message"
	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/stats"
)

type fakeSource struct {
	mu       sync.Mutex
	handles  []model.Handle
	headers  map[model.Handle]model.Header
	listErr  error
	failures map[model.Handle]int
	calls    map[model.Handle]int
	// stalled handles block until the call's context ends.
	stalled map[model.Handle]bool
}

func (f *fakeSource) List(context.Context) ([]model.Handle, error) {
	return f.handles, f.listErr
}

func (f *fakeSource) FetchHeader(ctx context.Context, h model.Handle) (model.Header, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[model.Handle]int)
	}
	f.calls[h]++
	stalled := f.stalled[h]
	f.mu.Unlock()

	if stalled {
		<-ctx.Done()
		return model.Header{}, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[h] >= f.calls[h] {
		return model.Header{}, fmt.Errorf("transient failure %d", f.calls[h])
	}
	hdr, ok := f.headers[h]
	if !ok {
		return model.Header{}, fmt.Errorf("%w: no such message", ErrPermanent)
	}
	return hdr, nil
}

func (f *fakeSource) FetchMessage(context.Context, model.Handle) (*model.Message, error) {
	return nil, message.ErrNoHTML
}

func (f *fakeSource) Close() error { return nil }

func newCollector(t *testing.T, src Source, opts Options) *Collector {
	t.Helper()
	opts.Backoff = time.Millisecond
	c, err := NewCollector(src, opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCollect_LastWriteWins(t *testing.T) {
	src := &fakeSource{
		handles: []model.Handle{"1", "2", "3"},
		headers: map[model.Handle]model.Header{
			"1": {Subject: "Spring sale"},
			"2": {Subject: "Fwd: Spring sale"},
			"3": {Subject: "Weekly digest"},
		},
	}
	var events []stats.Event
	remote, err := newCollector(t, src, Options{Emit: func(e stats.Event) { events = append(events, e) }}).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	sale := identity.Derive(model.Header{Subject: "Spring sale"}, identity.PolicySubject)
	if got := remote.ByIdentity[sale]; got != "2" {
		t.Errorf("handle for %s = %q, want 2", sale, got)
	}
	if len(remote.ByIdentity) != 2 || remote.Superseded != 1 || remote.Scanned != 3 {
		t.Errorf("remote = %+v", remote)
	}
	if remote.Incomplete {
		t.Error("enumeration should be complete")
	}
	if len(events) != 3 {
		t.Errorf("events = %d, want 3", len(events))
	}
}

func TestCollect_StrictPolicyKeepsBoth(t *testing.T) {
	src := &fakeSource{
		handles: []model.Handle{"1", "2"},
		headers: map[model.Handle]model.Header{
			"1": {Subject: "Spring sale", MessageID: "<a@x>"},
			"2": {Subject: "Spring sale", MessageID: "<b@x>"},
		},
	}
	remote, err := newCollector(t, src, Options{Policy: identity.PolicyStrict}).Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(remote.ByIdentity) != 2 {
		t.Errorf("identities = %d, want 2", len(remote.ByIdentity))
	}
}

func TestCollect_RetriesAndIncomplete(t *testing.T) {
	src := &fakeSource{
		handles: []model.Handle{"1", "2", "3"},
		headers: map[model.Handle]model.Header{
			"1": {Subject: "Flaky"},
			"3": {Subject: "Fine"},
		},
		failures: map[model.Handle]int{"1": 2},
	}
	remote, err := newCollector(t, src, Options{Retries: 2}).Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if remote.Scanned != 2 || remote.Failed != 1 || !remote.Incomplete {
		t.Errorf("remote = %+v", remote)
	}
	if src.calls["2"] != 1 {
		t.Errorf("permanent failure retried %d times", src.calls["2"])
	}
}

func TestCollect_StalledHeaderIsSkipped(t *testing.T) {
	src := &fakeSource{
		handles: []model.Handle{"1", "2"},
		headers: map[model.Handle]model.Header{
			"2": {Subject: "Healthy"},
		},
		stalled: map[model.Handle]bool{"1": true},
	}
	var events []stats.Event
	c := newCollector(t, src, Options{
		Retries: 2,
		Timeout: 50 * time.Millisecond,
		Emit:    func(e stats.Event) { events = append(events, e) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started := time.Now()
	remote, err := c.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Errorf("Collect() took %s, the stalled header should time out on its own", elapsed)
	}

	if !remote.Incomplete || remote.Failed != 1 || remote.Scanned != 1 {
		t.Errorf("remote = %+v", remote)
	}
	healthy := identity.Derive(model.Header{Subject: "Healthy"}, identity.PolicySubject)
	if remote.ByIdentity[healthy] != "2" {
		t.Errorf("healthy message lost: %v", remote.ByIdentity)
	}
	if src.calls["1"] != 1 {
		t.Errorf("timed out header retried %d times", src.calls["1"])
	}

	var failed []stats.Event
	for _, e := range events {
		if e.Type == stats.EventTypeFailed {
			failed = append(failed, e)
		}
	}
	if len(failed) != 1 || !errors.Is(failed[0].Err, ErrTimeout) {
		t.Errorf("failed events = %+v, want one ErrTimeout", failed)
	}
}

func TestCollect_OuterCancellationAborts(t *testing.T) {
	src := &fakeSource{
		handles: []model.Handle{"1", "2"},
		headers: map[model.Handle]model.Header{"2": {Subject: "Healthy"}},
		stalled: map[model.Handle]bool{"1": true},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newCollector(t, src, Options{Timeout: time.Minute}).Collect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Collect() error = %v, want the caller's deadline", err)
	}
}

func TestCollect_Filter(t *testing.T) {
	f, err := filter.New(filter.Options{ExcludeHeader: []string{`(?i)subject: .*invoice`}})
	if err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{
		handles: []model.Handle{"1", "2"},
		headers: map[model.Handle]model.Header{
			"1": {Subject: "Your invoice"},
			"2": {Subject: "News"},
		},
	}
	remote, err := newCollector(t, src, Options{Filter: f}).Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if remote.Filtered != 1 || len(remote.ByIdentity) != 1 {
		t.Errorf("remote = %+v", remote)
	}
}

func TestCollect_ListFailureIsFatal(t *testing.T) {
	src := &fakeSource{listErr: errors.New("connection reset")}
	_, err := newCollector(t, src, Options{}).Collect(context.Background())
	if !errors.Is(err, ErrEnumeration) {
		t.Fatalf("Collect() error = %v, want ErrEnumeration", err)
	}
}

func TestFetchMessage_NoRetryWithoutHTML(t *testing.T) {
	_, err := newCollector(t, &fakeSource{}, Options{Retries: 3}).FetchMessage(context.Background(), "1")
	if !errors.Is(err, message.ErrNoHTML) {
		t.Fatalf("FetchMessage() error = %v", err)
	}
}

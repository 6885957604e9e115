package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageInventory Stage = "inventory"
	StagePlan      Stage = "plan"
	StagePrune     Stage = "prune"
	StageProcess   Stage = "process"
	StageCatalog   Stage = "catalog"
)

type EventType string

const (
	EventTypeScanned   EventType = "scanned"
	EventTypeFiltered  EventType = "filtered"
	EventTypePlanned   EventType = "planned"
	EventTypeUpToDate  EventType = "up_to_date"
	EventTypeProcessed EventType = "processed"
	EventTypeSkipped   EventType = "skipped"
	EventTypeDeleted   EventType = "deleted"
	EventTypeWithheld  EventType = "withheld"
	EventTypeFailed    EventType = "failed"
	EventTypeError     EventType = "error"
)

// Event is emitted by the runner stages. Count lets a single event stand for a
// batch, as the planner reports its sets at once; zero means one.
type Event struct {
	Stage    Stage
	Type     EventType
	Identity string
	Subject  string
	Count    int
	Err      error
	Detail   string
}

func (e Event) n() int {
	if e.Count > 0 {
		return e.Count
	}
	return 1
}

type Summary struct {
	Scanned   int
	Filtered  int
	Planned   int
	UpToDate  int
	Processed int
	Skipped   int
	Deleted   int
	Withheld  int
	Failed    int
	Errors    int
	LastError error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"filtered", s.Filtered,
		"planned", s.Planned,
		"upToDate", s.UpToDate,
		"processed", s.Processed,
		"skipped", s.Skipped,
		"deleted", s.Deleted,
		"withheld", s.Withheld,
		"failed", s.Failed,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds one event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned += evt.n()
	case EventTypeFiltered:
		c.summary.Filtered += evt.n()
	case EventTypePlanned:
		c.summary.Planned += evt.n()
	case EventTypeUpToDate:
		c.summary.UpToDate += evt.n()
	case EventTypeProcessed:
		c.summary.Processed += evt.n()
	case EventTypeSkipped:
		c.summary.Skipped += evt.n()
	case EventTypeDeleted:
		c.summary.Deleted += evt.n()
	case EventTypeWithheld:
		c.summary.Withheld += evt.n()
	case EventTypeFailed:
		c.summary.Failed += evt.n()
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Printf("%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

// Pair is one counted key.
type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys, ties broken by key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

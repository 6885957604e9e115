package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/newsletter-archive/stats"
)

const titleWidth = 40

// Bar tracks the messages of the processing stage. Its total is only known
// once the planner reported the work set, so it starts lazily.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	scanned int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar if logLevel is "info".
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

// Update advances the bar based on the event type.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.scanned++
	case stats.EventTypePlanned:
		b.start(evt.Count)
	case stats.EventTypeProcessed, stats.EventTypeSkipped:
		b.advance(evt.Subject)
	case stats.EventTypeFailed:
		if evt.Stage == stats.StageProcess {
			b.advance(evt.Subject)
		}
		if evt.Err != nil {
			pterm.Warning.Printf("Failed: %v\n", evt.Err)
		}
	case stats.EventTypeWithheld:
		pterm.Warning.Printf("Mailbox listing incomplete, kept %d records that look deleted\n", evt.Count)
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

func (b *Bar) start(total int) {
	if b.pb != nil || total <= 0 {
		return
	}
	b.total = total

	pterm.Info.Printf("Messages in mailbox: %d\n", b.scanned)
	pterm.Info.Printf("To archive in this run: %d\n", total)
	pterm.Println()

	pb, _ := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Archiving newsletters").
		Start()
	b.pb = pb
}

func (b *Bar) advance(subject string) {
	if b.pb == nil {
		return
	}
	b.pb.Increment()
	if subject != "" {
		b.pb.UpdateTitle("Archiving: " + truncate(subject, titleWidth))
	}
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		pterm.Success.Println("Archive is up to date")
		return
	}
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	b.pb.Stop()
	pterm.Success.Println("Sync complete!")
}

// Subscriber is a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter wraps the stats Reporter with progress bar functionality.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter subscribes the bar and a summary printer to stream. With
// the bar disabled nothing is subscribed.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

// Summary returns what the reporter has seen so far.
func (pr *ProgressReporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started).Round(time.Millisecond)

	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", duration)
	pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Filtered out: %d\n", summary.Filtered)
	pterm.Info.Printf("Up to date: %d\n", summary.UpToDate)
	pterm.Info.Printf("Archived: %d\n", summary.Processed)
	pterm.Info.Printf("Skipped (no HTML): %d\n", summary.Skipped)
	pterm.Info.Printf("Deleted: %d\n", summary.Deleted)
	if summary.Withheld > 0 {
		pterm.Warning.Printf("Deletions withheld: %d\n", summary.Withheld)
	}
	pterm.Info.Printf("Failed: %d\n", summary.Failed)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
	if pr.logger != nil {
		pr.logger.Debug("progress summary printed", "duration", duration)
	}

	return nil
}

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/newsletter-archive/archive"
	"github.com/dhcgn/newsletter-archive/assets"
	"github.com/dhcgn/newsletter-archive/audit"
	"github.com/dhcgn/newsletter-archive/catalog"
	"github.com/dhcgn/newsletter-archive/config"
	"github.com/dhcgn/newsletter-archive/filter"
	"github.com/dhcgn/newsletter-archive/fingerprint"
	"github.com/dhcgn/newsletter-archive/inventory"
	"github.com/dhcgn/newsletter-archive/links"
	"github.com/dhcgn/newsletter-archive/message"
	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/planner"
	"github.com/dhcgn/newsletter-archive/rules"
	"github.com/dhcgn/newsletter-archive/sanitize"
	"github.com/dhcgn/newsletter-archive/state"
	"github.com/dhcgn/newsletter-archive/stats"
	"github.com/dhcgn/newsletter-archive/webclient"
)

type StageFunc func(context.Context) error

// Outcome is the result of processing one message.
type Outcome int

const (
	OutcomeProcessed Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

const subscriberBuffer = 128

type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	collector *inventory.Collector
	writer    *archive.Writer
	tracker   *state.FolderTracker

	sanitizer *sanitize.Sanitizer
	links     *links.Auditor
	resolver  *links.Resolver
	localizer *assets.Localizer
	detector  *fingerprint.Detector
	auditor   *audit.Auditor

	subsMu sync.Mutex
	subs   []chan stats.Event
	totals *stats.Collector

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
	now             func() time.Time
}

// New wires every component of a synchronization run against source. The
// caller keeps ownership of source and closes it after Start returns.
func New(ctx context.Context, cfg config.Config, source inventory.Source, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rs, err := rules.LoadFile(cfg.RulesFile)
	if err != nil {
		return nil, err
	}

	f, err := filter.New(filter.Options{IncludeHeader: cfg.IncludeHeader, ExcludeHeader: cfg.ExcludeHeader})
	if err != nil {
		return nil, fmt.Errorf("create filter: %w", err)
	}

	writer, err := archive.NewWriter(cfg.ArchiveDir, logger)
	if err != nil {
		return nil, fmt.Errorf("archive writer: %w", err)
	}

	tracker, err := state.NewFolderTracker(cfg.ArchiveDir)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}

	client := webclient.New(webclient.Options{
		UserAgent:         cfg.UserAgent,
		Timeout:           cfg.HTTPTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})

	ctx, cancel := context.WithCancel(ctx)

	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		writer:    writer,
		tracker:   tracker,
		sanitizer: sanitize.New(rs),
		links:     links.NewAuditor(rs),
		localizer: assets.New(rs, assets.NewFetcher(client, cfg.AssetWorkers, logger)),
		detector:  fingerprint.New(rs),
		auditor:   audit.New(rs),
		totals:    stats.NewCollector(),
		now:       time.Now,
	}
	r.resolver = links.NewResolver(client, r.links, links.Options{MaxHops: cfg.MaxHops, Concurrency: cfg.LinkConcurrency}, logger)

	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	r.collector, err = inventory.NewCollector(source, inventory.Options{
		Policy:  cfg.IdentityPolicy,
		Filter:  f,
		Retries: uint64(retries),
		Timeout: cfg.FetchTimeout,
		Emit:    r.EmitEvent,
	}, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// Summary returns the counters of every event emitted so far.
func (r *Runner) Summary() stats.Summary {
	return r.totals.Snapshot()
}

// EmitEvent hands evt to every subscriber. Each subscriber has its own channel
// and sees the full stream.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.totals.Apply(evt)

	r.subsMu.Lock()
	subs := r.subs
	r.subsMu.Unlock()

	for _, ch := range subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, subscriberBuffer)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start runs the synchronization and blocks until it and all subscribers are
// done. Subscribers must be registered before.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.AddStage("sync", r.sync)

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	parentErr := r.ctx.Err()
	r.cancel()

	err := r.err
	duration := time.Since(r.since)
	if err == nil && parentErr != nil {
		err = parentErr
	}
	if err != nil {
		r.logger.Error("sync failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("sync completed", append(r.Summary().LogAttrs(), "duration", duration)...)
	return nil
}

// Preview enumerates the mailbox and computes the plan without touching the
// archive.
func (r *Runner) Preview(ctx context.Context) (inventory.Remote, planner.SyncPlan, error) {
	remote, err := r.collector.Collect(ctx)
	if err != nil {
		return inventory.Remote{}, planner.SyncPlan{}, err
	}
	return remote, r.plan(remote), nil
}

func (r *Runner) plan(remote inventory.Remote) planner.SyncPlan {
	p := planner.Plan(remote.ByIdentity, r.tracker, r.cfg.Force)
	if deferred := p.Limit(r.cfg.BatchSize); deferred > 0 {
		r.logger.Info("batch limit reached, deferring the rest to the next run", "batch", r.cfg.BatchSize, "deferred", deferred)
	}
	if remote.Incomplete {
		p.Withhold()
	}
	return p
}

func (r *Runner) sync(ctx context.Context) error {
	started := r.now()

	remote, err := r.collector.Collect(ctx)
	if err != nil {
		if errors.Is(err, inventory.ErrEnumeration) {
			r.EmitEvent(stats.Event{Stage: stats.StageInventory, Type: stats.EventTypeError, Err: err})
		}
		return err
	}

	p := r.plan(remote)
	r.emitCount(stats.StagePlan, stats.EventTypePlanned, len(p.ToProcess))
	r.emitCount(stats.StagePlan, stats.EventTypeUpToDate, len(p.UpToDate))
	r.logger.Info("sync planned",
		"process", len(p.ToProcess),
		"upToDate", len(p.UpToDate),
		"delete", len(p.ToDelete),
		"withheld", len(p.Withheld),
	)

	if err := r.prune(ctx, p); err != nil {
		return err
	}

	for _, id := range p.ToProcess {
		if err := ctx.Err(); err != nil {
			return err
		}
		header := remote.Headers[id]
		outcome, err := r.Process(ctx, id, remote.ByIdentity[id])
		switch outcome {
		case OutcomeProcessed:
			r.EmitEvent(stats.Event{Stage: stats.StageProcess, Type: stats.EventTypeProcessed, Identity: string(id), Subject: header.Subject})
		case OutcomeSkipped:
			r.EmitEvent(stats.Event{Stage: stats.StageProcess, Type: stats.EventTypeSkipped, Identity: string(id), Subject: header.Subject, Detail: errString(err)})
		case OutcomeFailed:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			r.EmitEvent(stats.Event{Stage: stats.StageProcess, Type: stats.EventTypeFailed, Identity: string(id), Subject: header.Subject, Err: err})
			r.logger.Warn("message not archived", "identity", id, "subject", header.Subject, "err", err)
		}
	}

	r.updateCatalog(ctx, started, remote.Incomplete)
	return nil
}

func (r *Runner) prune(ctx context.Context, p planner.SyncPlan) error {
	if len(p.Withheld) > 0 {
		r.logger.Warn("mailbox enumeration incomplete, keeping records that look deleted", "withheld", len(p.Withheld))
		r.emitCount(stats.StagePrune, stats.EventTypeWithheld, len(p.Withheld))
	}
	if len(p.ToDelete) == 0 {
		return nil
	}

	removed, err := planner.Prune(ctx, r.writer, p.ToDelete, r.logger)
	for _, id := range removed {
		r.tracker.Forget(id)
	}
	r.emitCount(stats.StagePrune, stats.EventTypeDeleted, len(removed))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		r.EmitEvent(stats.Event{Stage: stats.StagePrune, Type: stats.EventTypeError, Err: err})
	}
	return nil
}

// Process archives one message. The record only becomes visible once its
// metadata document is written, so a failure at any step leaves a partial
// folder that the next run retries or collects.
func (r *Runner) Process(ctx context.Context, id model.Identity, h model.Handle) (Outcome, error) {
	msg, err := r.collector.FetchMessage(ctx, h)
	if errors.Is(err, message.ErrNoHTML) {
		return OutcomeSkipped, err
	}
	if err != nil {
		return OutcomeFailed, err
	}

	res, err := r.sanitizer.Sanitize(msg.HTML)
	if err != nil {
		return OutcomeFailed, err
	}

	dir, err := r.writer.Begin(id, r.cfg.Force)
	if err != nil {
		return OutcomeFailed, err
	}

	// Platform signatures live in the original URLs, so they are read before any
	// rewriting.
	urls := fingerprint.URLs(res.Doc)
	for _, px := range res.Pixels {
		urls = append(urls, px.URL)
	}

	entries := r.links.Collect(res.Doc)
	plan := r.localizer.Collect(res.Doc)

	var (
		resolved []model.LinkEntry
		results  []assets.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resolved = r.resolver.ResolveAll(gctx, entries)
		return nil
	})
	g.Go(func() error {
		var err error
		results, err = r.localizer.Fetcher().Fetch(gctx, dir, plan.Refs, msg.Attachments)
		return err
	})
	if err := g.Wait(); err != nil {
		return OutcomeFailed, err
	}
	if err := ctx.Err(); err != nil {
		return OutcomeFailed, err
	}

	r.links.Apply(res.Doc, resolved)
	r.localizer.Apply(plan, results)

	html, err := res.HTML()
	if err != nil {
		return OutcomeFailed, err
	}

	files := make([]string, 0, len(results))
	for _, ar := range results {
		if ar.Err == nil && ar.File != "" {
			files = append(files, ar.File)
		}
	}

	meta := model.Metadata{
		Subject:     msg.Header.Subject,
		Sender:      msg.Sender,
		ReceivedAt:  msg.ReceivedAt,
		Preheader:   res.Preheader,
		ReadingTime: res.ReadingTime,
		Platform:    r.detector.Detect(msg.Headers, urls),
		Forwarded:   res.Forward.Found,
		Pixels:      res.Pixels,
		Links:       resolved,
		Audit:       r.auditor.Summarize(msg.Header.Subject, res.Doc, msg.Headers, len(resolved)),
		Assets:      files,
	}

	if err := r.writer.Commit(id, html, meta); err != nil {
		return OutcomeFailed, err
	}
	if err := r.tracker.MarkProcessed(id); err != nil {
		return OutcomeFailed, err
	}

	r.logger.Debug("message archived",
		"identity", id,
		"subject", meta.Subject,
		"platform", meta.Platform,
		"links", len(meta.Links),
		"pixels", len(meta.Pixels),
		"assets", len(meta.Assets),
	)
	return OutcomeProcessed, nil
}

func (r *Runner) updateCatalog(ctx context.Context, started time.Time, incomplete bool) {
	if r.cfg.NoCatalog || r.cfg.CatalogPath == "" {
		return
	}
	if err := r.syncCatalog(ctx, started, incomplete); err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageCatalog, Type: stats.EventTypeError, Err: err})
		r.logger.Warn("catalog not updated", "path", r.cfg.CatalogPath, "err", err)
	}
}

func (r *Runner) syncCatalog(ctx context.Context, started time.Time, incomplete bool) error {
	if err := os.MkdirAll(filepath.Dir(r.cfg.CatalogPath), 0o755); err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}
	store, err := catalog.Open(r.cfg.CatalogPath)
	if err != nil {
		return err
	}
	defer store.Close()

	metas, err := r.writer.LoadAll()
	if err != nil {
		return err
	}
	if err := store.Sync(ctx, metas); err != nil {
		return err
	}

	size, err := r.writer.Size()
	if err != nil {
		r.logger.Debug("archive size unavailable", "err", err)
	}

	s := r.Summary()
	_, err = store.RecordRun(ctx, catalog.Run{
		StartedAt:    started.UTC().Format(time.RFC3339),
		FinishedAt:   r.now().UTC().Format(time.RFC3339),
		Source:       r.cfg.Source,
		Scanned:      s.Scanned,
		Processed:    s.Processed,
		UpToDate:     s.UpToDate,
		Skipped:      s.Skipped,
		Deleted:      s.Deleted,
		Failed:       s.Failed,
		Incomplete:   incomplete,
		ArchiveBytes: size,
	})
	return err
}

// emitCount reports a whole set with one event. Empty sets are not reported.
func (r *Runner) emitCount(stage stats.Stage, typ stats.EventType, n int) {
	if n <= 0 {
		return
	}
	r.EmitEvent(stats.Event{Stage: stage, Type: typ, Count: n})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		for _, ch := range r.subs {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

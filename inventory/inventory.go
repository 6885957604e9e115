// Package inventory enumerates a mailbox and maps every logical message to the
// handle it can be fetched with during the current run.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dhcgn/newsletter-archive/filter"
	"github.com/dhcgn/newsletter-archive/identity"
	"github.com/dhcgn/newsletter-archive/message"
	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/stats"
)

// ErrEnumeration wraps a failure to list the mailbox. Without a listing there is
// no basis for any deletion, so the run must stop.
var ErrEnumeration = errors.New("mailbox enumeration failed")

// Source is a mailbox the archive is synchronized from.
type Source interface {
	List(ctx context.Context) ([]model.Handle, error)
	FetchHeader(ctx context.Context, h model.Handle) (model.Header, error)
	FetchMessage(ctx context.Context, h model.Handle) (*model.Message, error)
	Close() error
}

const (
	DefaultRetries      = 2
	DefaultBackoff      = 500 * time.Millisecond
	DefaultFetchTimeout = 60 * time.Second
)

type Options struct {
	Policy  identity.Policy
	Filter  *filter.Filter
	Retries uint64
	Backoff time.Duration
	// Timeout bounds every single source call. A call that runs out of time
	// fails only its own message.
	Timeout time.Duration
	// Emit receives one event per enumerated message. It may be nil.
	Emit func(stats.Event)
}

// Remote is the result of one enumeration.
type Remote struct {
	ByIdentity map[model.Identity]model.Handle
	Headers    map[model.Identity]model.Header
	Scanned    int
	Filtered   int
	Failed     int
	// Superseded counts handles replaced by a later handle with the same identity.
	Superseded int
	// Incomplete is set when at least one header could not be fetched.
	Incomplete bool
}

type Collector struct {
	source Source
	opts   Options
	logger *slog.Logger
}

func NewCollector(source Source, opts Options, logger *slog.Logger) (*Collector, error) {
	if source == nil {
		return nil, fmt.Errorf("source must not be nil")
	}
	if opts.Policy == "" {
		opts.Policy = identity.PolicySubject
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	return &Collector{source: source, opts: opts, logger: logger}, nil
}

// Collect lists the mailbox and fetches the header subset of every message. When
// several handles share an identity the one enumerated last wins.
func (c *Collector) Collect(ctx context.Context) (Remote, error) {
	handles, err := c.source.List(ctx)
	if err != nil {
		return Remote{}, fmt.Errorf("%w: %w", ErrEnumeration, err)
	}

	remote := Remote{
		ByIdentity: make(map[model.Identity]model.Handle, len(handles)),
		Headers:    make(map[model.Identity]model.Header, len(handles)),
	}

	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			return Remote{}, err
		}

		header, err := c.fetchHeader(ctx, h)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Remote{}, ctxErr
			}
			remote.Failed++
			remote.Incomplete = true
			c.emit(stats.Event{Stage: stats.StageInventory, Type: stats.EventTypeFailed, Err: fmt.Errorf("header %s: %w", h, err)})
			if c.logger != nil {
				c.logger.Warn("header fetch failed", "handle", h, "err", err)
			}
			continue
		}
		remote.Scanned++

		if !c.opts.Filter.Allows(header) {
			remote.Filtered++
			c.emit(stats.Event{Stage: stats.StageInventory, Type: stats.EventTypeFiltered, Subject: header.Subject})
			continue
		}

		id := identity.Derive(header, c.opts.Policy)
		if _, dup := remote.ByIdentity[id]; dup {
			remote.Superseded++
			if c.logger != nil {
				c.logger.Debug("identity seen again, keeping later handle", "identity", id, "handle", h)
			}
		}
		remote.ByIdentity[id] = h
		remote.Headers[id] = header
		c.emit(stats.Event{Stage: stats.StageInventory, Type: stats.EventTypeScanned, Identity: string(id), Subject: header.Subject})
	}

	if c.logger != nil {
		c.logger.Info("mailbox enumerated",
			"handles", len(handles),
			"identities", len(remote.ByIdentity),
			"filtered", remote.Filtered,
			"failed", remote.Failed,
			"superseded", remote.Superseded,
		)
	}
	return remote, nil
}

// FetchMessage fetches one full message with the same retry policy as headers.
func (c *Collector) FetchMessage(ctx context.Context, h model.Handle) (*model.Message, error) {
	var msg *model.Message
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		return c.attempt(ctx, func(ctx context.Context) error {
			m, err := c.source.FetchMessage(ctx, h)
			msg = m
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", h, err)
	}
	return msg, nil
}

func (c *Collector) fetchHeader(ctx context.Context, h model.Handle) (model.Header, error) {
	var header model.Header
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		return c.attempt(ctx, func(ctx context.Context) error {
			hdr, err := c.source.FetchHeader(ctx, h)
			header = hdr
			return err
		})
	})
	return header, err
}

// attempt runs one source call under the per-call timeout. A call that ran out
// of its own time is not retried; the caller's cancellation is passed through.
func (c *Collector) attempt(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, c.opts.Timeout, err)
	}
	return retryable(err)
}

func (c *Collector) backoff() retry.Backoff {
	return retry.WithMaxRetries(c.opts.Retries, retry.NewExponential(c.opts.Backoff))
}

func (c *Collector) emit(evt stats.Event) {
	if c.opts.Emit != nil {
		c.opts.Emit(evt)
	}
}

var (
	// ErrPermanent marks a source error that retrying cannot fix.
	ErrPermanent = errors.New("permanent source error")
	// ErrTimeout is reported when a single source call exceeded its timeout.
	ErrTimeout = errors.New("source call timed out")
)

func retryable(err error) error {
	if errors.Is(err, ErrPermanent) || errors.Is(err, message.ErrNoHTML) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return retry.RetryableError(err)
}

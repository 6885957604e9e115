// Package mbox reads newsletters from an offline mbox export. Handles are the
// 1-based position of a message in the file.
package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/newsletter-archive/inventory"
	"github.com/dhcgn/newsletter-archive/message"
	"github.com/dhcgn/newsletter-archive/model"
)

type Options struct {
	Path string
}

// Source implements inventory.Source. List reads the whole file once and keeps
// the raw messages in memory until Close.
type Source struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	messages [][]byte
}

var _ inventory.Source = (*Source)(nil)

func New(opts Options, logger *slog.Logger) (*Source, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &Source{path: path, logger: logger}, nil
}

func (s *Source) List(ctx context.Context) ([]model.Handle, error) {
	var messages [][]byte
	err := Read(ctx, s.path, func(_ int, raw []byte) error {
		messages = append(messages, raw)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.messages = messages
	s.mu.Unlock()

	handles := make([]model.Handle, len(messages))
	for i := range messages {
		handles[i] = model.Handle(strconv.Itoa(i + 1))
	}
	if s.logger != nil {
		s.logger.Debug("mbox listed", "path", s.path, "messages", len(handles))
	}
	return handles, nil
}

func (s *Source) FetchHeader(_ context.Context, h model.Handle) (model.Header, error) {
	raw, err := s.raw(h)
	if err != nil {
		return model.Header{}, err
	}
	header, err := message.ParseHeader(raw)
	if err != nil {
		return model.Header{}, fmt.Errorf("%w: message %s: %w", inventory.ErrPermanent, h, err)
	}
	return header, nil
}

func (s *Source) FetchMessage(_ context.Context, h model.Handle) (*model.Message, error) {
	raw, err := s.raw(h)
	if err != nil {
		return nil, err
	}
	msg, err := message.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: message %s: %w", inventory.ErrPermanent, h, err)
	}
	return msg, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
	return nil
}

func (s *Source) raw(h model.Handle) ([]byte, error) {
	n, err := strconv.Atoi(string(h))
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err != nil || n < 1 || n > len(s.messages) {
		return nil, fmt.Errorf("%w: unknown mbox handle %q", inventory.ErrPermanent, h)
	}
	return s.messages[n-1], nil
}

// Read opens an mbox file and calls fn with the 1-based ordinal and raw bytes of
// every message, in file order.
func Read(ctx context.Context, path string, fn func(ordinal int, raw []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 1; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		if err := fn(idx, raw); err != nil {
			return err
		}
	}
}

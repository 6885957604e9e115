// Package imap reads newsletters from an IMAP folder (or a Gmail label exposed
// as a folder).
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/newsletter-archive/inventory"
	"github.com/dhcgn/newsletter-archive/message"
	"github.com/dhcgn/newsletter-archive/model"
)

var ErrMessageVanished = errors.New("message no longer in folder")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
}

var headerFields = []string{"Subject", "Date", "Message-Id", "From"}

// Source implements inventory.Source over one read-only selected folder. UIDs are
// used as handles; they are only trusted for the duration of a run.
type Source struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	client  *imapclient.Client
	cleanup func()
}

var _ inventory.Source = (*Source)(nil)

func New(opts Options, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("imap user is empty")
	}
	return &Source{opts: opts, logger: logger}, nil
}

func (s *Source) List(ctx context.Context) ([]model.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	stop := interruptOnDone(ctx, client)
	data, err := client.UIDSearch(&imapv2.SearchCriteria{}, nil).Wait()
	stop()
	if err != nil {
		s.reset()
		return nil, fmt.Errorf("search %s: %w", s.folder(), withContext(ctx, err))
	}

	uids := data.AllUIDs()
	handles := make([]model.Handle, 0, len(uids))
	for _, uid := range uids {
		handles = append(handles, model.Handle(strconv.FormatUint(uint64(uid), 10)))
	}
	if s.logger != nil {
		s.logger.Debug("imap folder listed", "folder", s.folder(), "messages", len(handles))
	}
	return handles, nil
}

func (s *Source) FetchHeader(ctx context.Context, h model.Handle) (model.Header, error) {
	section := &imapv2.FetchItemBodySection{
		Specifier:    imapv2.PartSpecifierHeader,
		HeaderFields: headerFields,
		Peek:         true,
	}
	raw, err := s.fetchSection(ctx, h, section)
	if err != nil {
		return model.Header{}, err
	}
	return message.ParseHeader(raw)
}

func (s *Source) FetchMessage(ctx context.Context, h model.Handle) (*model.Message, error) {
	raw, err := s.fetchSection(ctx, h, &imapv2.FetchItemBodySection{Peek: true})
	if err != nil {
		return nil, err
	}
	return message.Parse(raw)
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

func (s *Source) fetchSection(ctx context.Context, h model.Handle, section *imapv2.FetchItemBodySection) ([]byte, error) {
	uid, err := parseHandle(h)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	stop := interruptOnDone(ctx, client)
	defer stop()

	cmd := client.Fetch(imapv2.UIDSetNum(uid), &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	})
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		if err := cmd.Close(); err != nil {
			s.reset()
			return nil, fmt.Errorf("fetch uid %d: %w", uid, withContext(ctx, err))
		}
		return nil, fmt.Errorf("%w: uid %d: %w", inventory.ErrPermanent, uid, ErrMessageVanished)
	}

	buf, err := msg.Collect()
	if err != nil {
		s.reset()
		return nil, fmt.Errorf("collect uid %d: %w", uid, withContext(ctx, err))
	}
	if err := cmd.Close(); err != nil {
		s.reset()
		return nil, fmt.Errorf("fetch uid %d: %w", uid, withContext(ctx, err))
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("%w: uid %d returned no body", inventory.ErrPermanent, uid)
	}
	return raw, nil
}

// connect returns the open client, dialing and selecting the folder on first use
// or after a failed command dropped the previous connection. s.mu must be held.
// ctx bounds only the connection setup; the client outlives it.
func (s *Source) connect(ctx context.Context) (*imapclient.Client, error) {
	if s.client != nil {
		return s.client, nil
	}

	client, cleanup, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	stop := interruptOnDone(ctx, client)
	_, err = client.Select(s.folder(), &imapv2.SelectOptions{ReadOnly: true}).Wait()
	stop()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("select %s: %w", s.folder(), withContext(ctx, err))
	}

	s.client = client
	s.cleanup = cleanup
	return client, nil
}

func (s *Source) reset() {
	if s.cleanup != nil {
		s.cleanup()
	}
	s.client = nil
	s.cleanup = nil
}

func (s *Source) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))

	var (
		conn net.Conn
		err  error
	)
	if s.opts.UseTLS {
		dialer := &tls.Dialer{Config: &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}}
		conn, err = dialer.DialContext(ctx, "tcp", address)
	} else {
		var dialer net.Dialer
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	client := imapclient.New(conn, &imapclient.Options{})

	stop := interruptOnDone(ctx, client)
	err = client.Login(s.opts.Username, s.opts.Password).Wait()
	stop()
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", withContext(ctx, err))
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "folder", s.folder(), "tls", s.opts.UseTLS)
	}

	cleanup := func() {
		if err := client.Logout().Wait(); err != nil && s.logger != nil {
			s.logger.Debug("imap logout failed", "err", err)
		}
		if err := client.Close(); err != nil && s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

// interruptOnDone closes the connection if ctx ends while a command is in
// flight. The returned func detaches the watch once the command returned.
func interruptOnDone(ctx context.Context, client *imapclient.Client) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
}

// withContext attaches the context error to err when ctx ended, so callers can
// tell a timed out command from a server failure.
func withContext(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func (s *Source) folder() string {
	if s.opts.Folder == "" {
		return "INBOX"
	}
	return s.opts.Folder
}

func parseHandle(h model.Handle) (imapv2.UID, error) {
	n, err := strconv.ParseUint(string(h), 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: invalid uid handle %q", inventory.ErrPermanent, h)
	}
	return imapv2.UID(n), nil
}

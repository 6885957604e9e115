// Package gmail reads newsletters from a Gmail label through the Gmail API. It
// expects an already authorized token; obtaining one is out of its scope.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dhcgn/newsletter-archive/inventory"
	"github.com/dhcgn/newsletter-archive/message"
	"github.com/dhcgn/newsletter-archive/model"
)

const (
	CredentialsFile = "client_secret.json"
	TokenFile       = "token.json"

	user     = "me"
	pageSize = 500
)

var ErrLabelNotFound = errors.New("gmail label not found")

type Options struct {
	// ConfigDir holds client_secret.json and token.json.
	ConfigDir string
	// Label is a label name or id; INBOX when empty.
	Label string
}

// Source implements inventory.Source. Gmail message ids are stable, so handles
// could outlive a run, but they are treated as per-run like every other source.
type Source struct {
	svc    *gmailv1.Service
	label  string
	logger *slog.Logger

	labelID string
}

var _ inventory.Source = (*Source)(nil)

// New builds an authorized Gmail service from the files in opts.ConfigDir.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Source, error) {
	if strings.TrimSpace(opts.ConfigDir) == "" {
		return nil, fmt.Errorf("gmail config directory is empty")
	}

	credPath := filepath.Join(opts.ConfigDir, CredentialsFile)
	b, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials at %s: %w", credPath, err)
	}
	cfg, err := google.ConfigFromJSON(b, gmailv1.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse oauth config: %w", err)
	}

	tok, err := readToken(filepath.Join(opts.ConfigDir, TokenFile))
	if err != nil {
		return nil, fmt.Errorf("read gmail token: %w", err)
	}

	return NewWithClient(ctx, cfg.Client(ctx, tok), opts, logger)
}

// NewWithClient uses hc for every API call. Extra client options, such as a
// custom endpoint, are passed through.
func NewWithClient(ctx context.Context, hc *http.Client, opts Options, logger *slog.Logger, extra ...option.ClientOption) (*Source, error) {
	svc, err := gmailv1.NewService(ctx, append([]option.ClientOption{option.WithHTTPClient(hc)}, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = "INBOX"
	}
	return &Source{svc: svc, label: label, logger: logger}, nil
}

func (s *Source) List(ctx context.Context) ([]model.Handle, error) {
	labelID, err := s.resolveLabel(ctx)
	if err != nil {
		return nil, err
	}

	var handles []model.Handle
	call := s.svc.Users.Messages.List(user).LabelIds(labelID).MaxResults(pageSize)
	err = call.Pages(ctx, func(resp *gmailv1.ListMessagesResponse) error {
		for _, m := range resp.Messages {
			handles = append(handles, model.Handle(m.Id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list label %s: %w", s.label, err)
	}

	if s.logger != nil {
		s.logger.Debug("gmail label listed", "label", s.label, "messages", len(handles))
	}
	return handles, nil
}

func (s *Source) FetchHeader(ctx context.Context, h model.Handle) (model.Header, error) {
	msg, err := s.svc.Users.Messages.Get(user, string(h)).
		Format("metadata").
		MetadataHeaders("Subject", "Date", "Message-Id", "From").
		Context(ctx).
		Do()
	if err != nil {
		return model.Header{}, classify(h, err)
	}

	var header model.Header
	if msg.Payload == nil {
		return header, nil
	}
	for _, hdr := range msg.Payload.Headers {
		switch strings.ToLower(hdr.Name) {
		case "subject":
			header.Subject = hdr.Value
		case "date":
			header.Date = hdr.Value
		case "message-id":
			header.MessageID = hdr.Value
		case "from":
			header.From = hdr.Value
		}
	}
	return header, nil
}

func (s *Source) FetchMessage(ctx context.Context, h model.Handle) (*model.Message, error) {
	msg, err := s.svc.Users.Messages.Get(user, string(h)).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, classify(h, err)
	}
	raw, err := DecodeRaw(msg.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: message %s: %w", inventory.ErrPermanent, h, err)
	}
	return message.Parse(raw)
}

func (s *Source) Close() error {
	return nil
}

// resolveLabel maps a label name to its id. System labels and ids pass through.
func (s *Source) resolveLabel(ctx context.Context) (string, error) {
	if s.labelID != "" {
		return s.labelID, nil
	}

	resp, err := s.svc.Users.Labels.List(user).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("list labels: %w", err)
	}
	for _, l := range resp.Labels {
		if l.Id == s.label || strings.EqualFold(l.Name, s.label) {
			s.labelID = l.Id
			return l.Id, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrLabelNotFound, s.label)
}

// DecodeRaw decodes the base64url payload of a raw message, padded or not.
func DecodeRaw(raw string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
}

func classify(h model.Handle, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusBadRequest) {
		return fmt.Errorf("%w: message %s: %w", inventory.ErrPermanent, h, err)
	}
	return fmt.Errorf("message %s: %w", h, err)
}

func readToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var tok oauth2.Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

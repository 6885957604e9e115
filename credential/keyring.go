// Package credential reads the mailbox password from the operating system keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const ServiceName = "newsletter-archive"

var ErrNotFound = errors.New("credential not found")

// Store wraps a keyring. Keys are "<kind>:<user>".
type Store struct {
	ring keyring.Keyring
}

// Open returns a Store over the platform keyring, falling back to an encrypted
// file below fileDir.
func Open(fileDir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(ServiceName + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Password returns the stored password of user for kind ("imap").
func (s *Store) Password(kind, user string) (string, error) {
	item, err := s.ring.Get(key(kind, user))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key(kind, user))
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key(kind, user), err)
	}
	return string(item.Data), nil
}

func (s *Store) SetPassword(kind, user, password string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key(kind, user),
		Data:  []byte(password),
		Label: ServiceName + " " + kind + " password",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key(kind, user), err)
	}
	return nil
}

func key(kind, user string) string {
	return kind + ":" + user
}

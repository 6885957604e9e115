package credential

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
)

func TestStore_Password(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring(nil))

	if _, err := s.Password("imap", "me@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Password() error = %v, want ErrNotFound", err)
	}

	if err := s.SetPassword("imap", "me@example.com", "s3cret"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Password("imap", "me@example.com")
	if err != nil || got != "s3cret" {
		t.Errorf("Password() = %q, %v", got, err)
	}
	if _, err := s.Password("imap", "other@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other user error = %v", err)
	}
}

// Package state reports which archive records already exist locally. The archive
// folder itself is the state: a record counts as processed once its metadata
// document is present.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dhcgn/newsletter-archive/archive"
	"github.com/dhcgn/newsletter-archive/identity"
	"github.com/dhcgn/newsletter-archive/model"
)

type Tracker interface {
	AlreadyProcessed(id model.Identity) bool
	MarkProcessed(id model.Identity) error
	Forget(id model.Identity)
	Identities() []model.Identity
	Partial() []model.Identity
	Snapshot() Snapshot
}

type Snapshot struct {
	Processed int
	Partial   int
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[model.Identity]struct{}
	partial   map[model.Identity]struct{}
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		processed: make(map[model.Identity]struct{}),
		partial:   make(map[model.Identity]struct{}),
	}
}

func (m *MemoryTracker) AlreadyProcessed(id model.Identity) bool {
	if id == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[id]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkProcessed(id model.Identity) error {
	if id == "" {
		return nil
	}

	m.mu.Lock()
	m.processed[id] = struct{}{}
	delete(m.partial, id)
	m.mu.Unlock()
	return nil
}

// MarkPartial records a folder that exists without a commit marker.
func (m *MemoryTracker) MarkPartial(id model.Identity) {
	if id == "" {
		return
	}

	m.mu.Lock()
	if _, ok := m.processed[id]; !ok {
		m.partial[id] = struct{}{}
	}
	m.mu.Unlock()
}

// Forget drops id after its folder was removed.
func (m *MemoryTracker) Forget(id model.Identity) {
	m.mu.Lock()
	delete(m.processed, id)
	delete(m.partial, id)
	m.mu.Unlock()
}

// Identities returns the committed identities, sorted.
func (m *MemoryTracker) Identities() []model.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.processed)
}

// Partial returns identities whose folder exists but was never committed, sorted.
func (m *MemoryTracker) Partial() []model.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.partial)
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	snap := Snapshot{Processed: len(m.processed), Partial: len(m.partial)}
	m.mu.RUnlock()
	return snap
}

// FolderTracker loads its state from the archive root. Only folders named like an
// identity are considered; anything else below the root is left alone.
type FolderTracker struct {
	*MemoryTracker
	root string
}

func NewFolderTracker(root string) (*FolderTracker, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("archive directory is empty")
	}

	tracker := &FolderTracker{
		MemoryTracker: NewMemoryTracker(),
		root:          filepath.Clean(root),
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}
	return tracker, nil
}

// Root returns the scanned directory.
func (f *FolderTracker) Root() string {
	return f.root
}

func (f *FolderTracker) load() error {
	entries, err := os.ReadDir(f.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan archive directory: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !identity.Valid(name) {
			continue
		}
		id := model.Identity(name)

		info, err := os.Stat(filepath.Join(f.root, name, archive.MetadataFile))
		switch {
		case err == nil && info.Mode().IsRegular():
			_ = f.MarkProcessed(id)
		case err == nil || errors.Is(err, os.ErrNotExist):
			f.MarkPartial(id)
		default:
			return fmt.Errorf("stat record %s: %w", name, err)
		}
	}
	return nil
}

func sortedKeys(m map[model.Identity]struct{}) []model.Identity {
	out := make([]model.Identity, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

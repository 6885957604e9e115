// Package planner reconciles the remote inventory with the local archive.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dhcgn/newsletter-archive/model"
)

// Local is the view of the archive the planner needs.
type Local interface {
	Identities() []model.Identity
	Partial() []model.Identity
	AlreadyProcessed(id model.Identity) bool
}

// Remover deletes one record folder.
type Remover interface {
	Remove(id model.Identity) error
}

// SyncPlan lists what a run has to do. All slices are sorted.
type SyncPlan struct {
	ToDelete  []model.Identity
	ToProcess []model.Identity
	UpToDate  []model.Identity
	// Withheld holds deletions suppressed because the remote enumeration was incomplete.
	Withheld []model.Identity
}

// Plan computes the set differences between remote and local. Under force every
// remote identity is processed again.
func Plan(remote map[model.Identity]model.Handle, local Local, force bool) SyncPlan {
	var p SyncPlan

	seen := make(map[model.Identity]struct{})
	for _, set := range [][]model.Identity{local.Identities(), local.Partial()} {
		for _, id := range set {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if _, ok := remote[id]; !ok {
				p.ToDelete = append(p.ToDelete, id)
			}
		}
	}

	for id := range remote {
		if !force && local.AlreadyProcessed(id) {
			p.UpToDate = append(p.UpToDate, id)
			continue
		}
		p.ToProcess = append(p.ToProcess, id)
	}

	sortIDs(p.ToDelete)
	sortIDs(p.ToProcess)
	sortIDs(p.UpToDate)
	return p
}

// Withhold moves every pending deletion to Withheld.
func (p *SyncPlan) Withhold() {
	p.Withheld = append(p.Withheld, p.ToDelete...)
	p.ToDelete = nil
}

// Limit caps ToProcess at n entries when n is positive and returns how many were dropped.
func (p *SyncPlan) Limit(n int) int {
	if n <= 0 || len(p.ToProcess) <= n {
		return 0
	}
	dropped := len(p.ToProcess) - n
	p.ToProcess = p.ToProcess[:n]
	return dropped
}

// Prune removes the given records. A failed removal is logged and the pass goes on;
// the returned slice holds the identities actually removed.
func Prune(ctx context.Context, r Remover, ids []model.Identity, logger *slog.Logger) ([]model.Identity, error) {
	var (
		removed []model.Identity
		errs    []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := r.Remove(id); err != nil {
			if logger != nil {
				logger.Warn("record removal failed", "identity", id, "err", err)
			}
			errs = append(errs, err)
			continue
		}
		if logger != nil {
			logger.Debug("record removed", "identity", id)
		}
		removed = append(removed, id)
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("prune %d of %d records failed: %w", len(errs), len(ids), errors.Join(errs...))
	}
	return removed, nil
}

func sortIDs(ids []model.Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

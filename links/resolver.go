package links

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/webclient"
)

const (
	// DefaultMaxHops bounds the length of a redirect chain.
	DefaultMaxHops = 15
	// DefaultConcurrency is the number of URLs resolved at the same time.
	DefaultConcurrency = 8
)

// Options configures a Resolver.
type Options struct {
	MaxHops     int
	Concurrency int
}

// Resolution is the outcome of following one URL.
type Resolution struct {
	FinalURL string
	Chain    []model.Hop
}

// Resolver follows redirect chains one request at a time.
type Resolver struct {
	client      *webclient.Client
	auditor     *Auditor
	maxHops     int
	concurrency int
	logger      *slog.Logger
}

// NewResolver builds a Resolver. auditor re-classifies entries once their final
// URL is known.
func NewResolver(client *webclient.Client, auditor *Auditor, opts Options, logger *slog.Logger) *Resolver {
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultMaxHops
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if auditor == nil {
		auditor = NewAuditor(nil)
	}
	return &Resolver{
		client:      client,
		auditor:     auditor,
		maxHops:     opts.MaxHops,
		concurrency: opts.Concurrency,
		logger:      logger,
	}
}

// Resolve follows rawURL. The chain never exceeds the hop bound and never
// revisits a URL; its last entry carries the terminal status. Unless the chain
// ends on a plain response FinalURL is rawURL itself.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) Resolution {
	start := strings.TrimSpace(rawURL)
	if strings.HasPrefix(start, "//") {
		start = "https:" + start
	}

	cur, err := url.Parse(start)
	if err != nil {
		return Resolution{FinalURL: rawURL, Chain: []model.Hop{{Status: model.HopStatusError, URL: start}}}
	}

	visited := map[string]bool{}
	chain := make([]model.Hop, 0, 4)

	for {
		curURL := cur.String()
		visited[curURL] = true

		resp, err := r.client.Hop(ctx, curURL)
		if err != nil {
			status := model.HopStatusError
			if webclient.IsTimeout(err) {
				status = model.HopStatusTimeout
			}
			if r.logger != nil {
				r.logger.Debug("redirect hop failed", "url", curURL, "status", status, "err", err)
			}
			chain = append(chain, model.Hop{Status: status, URL: curURL})
			return Resolution{FinalURL: rawURL, Chain: chain}
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()

		code := strconv.Itoa(resp.StatusCode)
		location := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || location == "" {
			chain = append(chain, model.Hop{Status: code, URL: curURL})
			return Resolution{FinalURL: curURL, Chain: chain}
		}

		next, err := cur.Parse(strings.TrimSpace(location))
		if err != nil {
			chain = append(chain, model.Hop{Status: model.HopStatusError, URL: curURL})
			return Resolution{FinalURL: rawURL, Chain: chain}
		}
		if visited[next.String()] {
			chain = append(chain, model.Hop{Status: model.HopStatusLoop, URL: curURL})
			return Resolution{FinalURL: rawURL, Chain: chain}
		}
		if len(chain)+1 >= r.maxHops {
			chain = append(chain, model.Hop{Status: model.HopStatusHopLimit, URL: curURL})
			return Resolution{FinalURL: rawURL, Chain: chain}
		}

		chain = append(chain, model.Hop{Status: code, URL: curURL})
		cur = next
	}
}

// ResolveAll resolves every unique resolvable URL of entries in parallel and
// returns updated copies. It never touches a document.
func (r *Resolver) ResolveAll(ctx context.Context, entries []model.LinkEntry) []model.LinkEntry {
	var unique []string
	seen := make(map[string]bool)
	for _, e := range entries {
		if !Resolvable(e.OriginalURL) || seen[e.OriginalURL] {
			continue
		}
		seen[e.OriginalURL] = true
		unique = append(unique, e.OriginalURL)
	}

	var (
		mu      sync.Mutex
		results = make(map[string]Resolution, len(unique))
	)

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	for _, u := range unique {
		g.Go(func() error {
			res := r.Resolve(ctx, u)
			mu.Lock()
			results[u] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.LinkEntry, len(entries))
	for i, e := range entries {
		if res, ok := results[e.OriginalURL]; ok {
			e.FinalURL = res.FinalURL
			e.RedirectChain = res.Chain
		}
		if e.RedirectChain == nil {
			e.RedirectChain = []model.Hop{}
		}
		r.auditor.Classify(&e)
		out[i] = e
	}
	return out
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

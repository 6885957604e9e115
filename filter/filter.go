package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dhcgn/newsletter-archive/model"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	ExcludeHeader []string
}

// Filter holds compiled regex patterns matched against the header subset of a message.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader []*regexp.Regexp
	excludeHeader []*regexp.Regexp

	mu   sync.Mutex
	hits map[string]int
}

// Stats reports how often every pattern matched.
type Stats struct {
	IncludePatterns []string
	ExcludePatterns []string
	Hits            map[string]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0
	excludeActive := len(excludeHeader) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:   includeActive,
		excludeMode:   excludeActive,
		includeHeader: includeHeader,
		excludeHeader: excludeHeader,
		hits:          make(map[string]int),
	}, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f != nil && (f.includeMode || f.excludeMode)
}

// Allows returns true if the header passes the filter criteria.
func (f *Filter) Allows(h model.Header) bool {
	if !f.Active() {
		return true
	}

	text := FormatHeader(h)

	if f.includeMode {
		return f.matchAny(f.includeHeader, text)
	}

	return !f.matchAny(f.excludeHeader, text)
}

// Stats returns a copy of the per-pattern hit counters.
func (f *Filter) Stats() Stats {
	s := Stats{Hits: make(map[string]int)}
	if f == nil {
		return s
	}
	for _, re := range f.includeHeader {
		s.IncludePatterns = append(s.IncludePatterns, re.String())
	}
	for _, re := range f.excludeHeader {
		s.ExcludePatterns = append(s.ExcludePatterns, re.String())
	}
	f.mu.Lock()
	for k, v := range f.hits {
		s.Hits[k] = v
	}
	f.mu.Unlock()
	return s
}

// FormatHeader renders the header subset the way patterns are written against it,
// one "Name: value" line per field.
func FormatHeader(h model.Header) string {
	var sb strings.Builder
	sb.WriteString("Subject: ")
	sb.WriteString(h.Subject)
	sb.WriteString("\nFrom: ")
	sb.WriteString(h.From)
	sb.WriteString("\nDate: ")
	sb.WriteString(h.Date)
	sb.WriteString("\nMessage-Id: ")
	sb.WriteString(h.MessageID)
	sb.WriteString("\n")
	return sb.String()
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func (f *Filter) matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			f.mu.Lock()
			f.hits[re.String()]++
			f.mu.Unlock()
			return true
		}
	}
	return false
}

// Package fingerprint labels the platform (ESP or CRM) that sent a newsletter.
package fingerprint

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/rules"
)

// Tier names which stage produced a label.
type Tier int

const (
	TierNone Tier = iota
	TierHeader
	TierPriority
	TierTable
)

// Match is a detection result with its provenance.
type Match struct {
	Platform string
	Tier     Tier
	Marker   string
}

// Detector runs header markers first and URL signatures second. The first match
// of a tier is final; later tiers are not consulted.
type Detector struct {
	rules *rules.Rules
}

// New returns a Detector using r, or the built-in tables when r is nil.
func New(r *rules.Rules) *Detector {
	if r == nil {
		r = rules.Default()
	}
	return &Detector{rules: r}
}

// Detect returns a single platform label or model.PlatformUnknown.
func (d *Detector) Detect(headers map[string]string, urls []string) string {
	return d.Match(headers, urls).Platform
}

// Match is Detect with provenance.
func (d *Detector) Match(headers map[string]string, urls []string) Match {
	if m, ok := d.matchHeaders(headers); ok {
		return m
	}

	joined := strings.ToLower(strings.Join(urls, "\n"))
	if joined != "" {
		if p, marker, ok := firstPlatform(joined, d.rules.PriorityPlatforms); ok {
			return Match{Platform: p, Tier: TierPriority, Marker: marker}
		}
		if p, marker, ok := firstPlatform(joined, d.rules.Platforms); ok {
			return Match{Platform: p, Tier: TierTable, Marker: marker}
		}
	}
	return Match{Platform: model.PlatformUnknown, Tier: TierNone}
}

func (d *Detector) matchHeaders(headers map[string]string) (Match, bool) {
	if len(headers) == 0 {
		return Match{}, false
	}
	lookup := make(map[string]string, len(headers))
	for k, v := range headers {
		lookup[strings.ToLower(k)] = strings.ToLower(v)
	}

	for _, hm := range d.rules.HeaderMarkers {
		value, ok := lookup[strings.ToLower(hm.Header)]
		if !ok {
			continue
		}
		// An empty marker means the header's presence alone identifies the platform.
		if hm.Contains == "" || strings.Contains(value, hm.Contains) {
			return Match{Platform: hm.Platform, Tier: TierHeader, Marker: hm.Header}, true
		}
	}
	return Match{}, false
}

func firstPlatform(haystack string, table []rules.Platform) (string, string, bool) {
	for _, p := range table {
		for _, marker := range p.Markers {
			if marker != "" && strings.Contains(haystack, marker) {
				return p.Name, marker, true
			}
		}
	}
	return "", "", false
}

// URLs gathers anchor hrefs and image sources from doc in document order.
func URLs(doc *goquery.Document) []string {
	var out []string
	doc.Find("a[href], img[src]").Each(func(_ int, s *goquery.Selection) {
		if v := strings.TrimSpace(s.AttrOr("href", "")); v != "" {
			out = append(out, v)
		}
		if v := strings.TrimSpace(s.AttrOr("src", "")); v != "" {
			out = append(out, v)
		}
	})
	return out
}

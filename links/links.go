// Package links indexes the anchors of a newsletter and follows their redirect
// chains to the real destination.
package links

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/rules"
	"github.com/dhcgn/newsletter-archive/sanitize"
)

// IndexAttr marks every anchor with its 1-based position in the document.
const IndexAttr = "data-index"

// TextLength is the rune budget of LinkEntry.Text.
const TextLength = 50

// Auditor builds and classifies link entries. It only reads and writes the DOM in
// Collect and Apply; everything in between works on plain values.
type Auditor struct {
	rules *rules.Rules
}

// NewAuditor returns an Auditor using r, or the built-in tables when r is nil.
func NewAuditor(r *rules.Rules) *Auditor {
	if r == nil {
		r = rules.Default()
	}
	return &Auditor{rules: r}
}

// Collect tags each anchor with an href and returns one entry per anchor in
// document order.
func (a *Auditor) Collect(doc *goquery.Document) []model.LinkEntry {
	var entries []model.LinkEntry
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		idx := i + 1
		s.SetAttr(IndexAttr, strconv.Itoa(idx))

		href := strings.TrimSpace(s.AttrOr("href", ""))
		entry := model.LinkEntry{
			Index:         idx,
			Text:          anchorText(s),
			OriginalURL:   href,
			FinalURL:      href,
			RedirectChain: []model.Hop{},
		}
		a.Classify(&entry)
		entries = append(entries, entry)
	})
	return entries
}

// Classify fills Domain and the three flags from the entry's URLs.
func (a *Auditor) Classify(e *model.LinkEntry) {
	final := e.FinalURL
	if final == "" {
		final = e.OriginalURL
	}
	e.Domain = sanitize.Domain(final)
	e.IsTracking = a.rules.IsTracking(e.OriginalURL) || a.rules.IsTracking(final)
	e.IsSecure = isSecure(final)
	e.IsDev = e.Domain != "" && a.rules.IsDev(e.Domain)
}

// Apply points every anchor at its resolved destination. Anchors whose chain did
// not end on a plain response keep their original href.
func (a *Auditor) Apply(doc *goquery.Document, entries []model.LinkEntry) {
	byIndex := make(map[string]model.LinkEntry, len(entries))
	for _, e := range entries {
		byIndex[strconv.Itoa(e.Index)] = e
	}
	doc.Find("a[" + IndexAttr + "]").Each(func(_ int, s *goquery.Selection) {
		e, ok := byIndex[s.AttrOr(IndexAttr, "")]
		if !ok || !Resolved(e) || e.IsDev {
			return
		}
		if e.FinalURL != "" && e.FinalURL != e.OriginalURL {
			s.SetAttr("href", e.FinalURL)
		}
	})
}

// Resolved reports whether the chain ended on an HTTP response.
func Resolved(e model.LinkEntry) bool {
	if len(e.RedirectChain) == 0 {
		return false
	}
	_, err := strconv.Atoi(e.RedirectChain[len(e.RedirectChain)-1].Status)
	return err == nil
}

// Resolvable reports whether rawURL is fetched over HTTP. mailto:, tel:, fragments
// and relative references never are.
func Resolvable(rawURL string) bool {
	rawURL = strings.TrimSpace(rawURL)
	if strings.HasPrefix(rawURL, "//") {
		return len(rawURL) > 2
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func isSecure(rawURL string) bool {
	rawURL = strings.TrimSpace(rawURL)
	if strings.HasPrefix(rawURL, "//") {
		return true
	}
	return strings.HasPrefix(strings.ToLower(rawURL), "https://")
}

func anchorText(s *goquery.Selection) string {
	text := strings.Join(strings.Fields(s.Text()), " ")
	if text == "" {
		if alt, ok := s.Find("img[alt]").First().Attr("alt"); ok {
			text = strings.Join(strings.Fields(alt), " ")
		}
	}
	runes := []rune(text)
	if len(runes) > TextLength {
		runes = runes[:TextLength]
	}
	return string(runes)
}

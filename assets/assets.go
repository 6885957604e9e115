// Package assets downloads the images of a newsletter into its archive folder and
// rewrites the document to point at the local copies.
package assets

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/dhcgn/newsletter-archive/message"
	"github.com/dhcgn/newsletter-archive/rules"
)

// Kind tells where the bytes of a reference come from.
type Kind int

const (
	KindRemote Kind = iota
	KindInline
)

// Ref is one unique image source of a document.
type Ref struct {
	Ordinal int
	// Source is the URL as found in the markup, FetchURL the one actually requested.
	Source   string
	FetchURL string
	Kind     Kind
	// ContentID is set for inline references.
	ContentID string
}

type target struct {
	sel  *goquery.Selection
	attr string
	raw  string
	ref  *Ref
}

// Plan is the result of the collection phase. Fetch only reads Refs, so it can run
// while other goroutines work on plain values; the targets stay behind for Apply.
type Plan struct {
	Refs    []*Ref
	targets []target
}

var cssURLPattern = regexp.MustCompile(`url\(\s*['"]?([^'")]+?)['"]?\s*\)`)

// Localizer wires collection, download and rewrite together.
type Localizer struct {
	rules   *rules.Rules
	fetcher *Fetcher
}

// New returns a Localizer downloading through f.
func New(r *rules.Rules, f *Fetcher) *Localizer {
	if r == nil {
		r = rules.Default()
	}
	return &Localizer{rules: r, fetcher: f}
}

// Fetcher returns the download half of the localizer.
func (l *Localizer) Fetcher() *Fetcher {
	return l.fetcher
}

// Collect resolves lazy-loading attributes and records every image source of doc.
// Ordinals are assigned per unique URL in document order, starting at 1.
func (l *Localizer) Collect(doc *goquery.Document) *Plan {
	p := &Plan{}
	byKey := make(map[string]*Ref)

	add := func(sel *goquery.Selection, attr, raw string) {
		raw = strings.TrimSpace(raw)
		ref := l.reference(raw)
		if ref == nil {
			return
		}
		key := ref.FetchURL
		if ref.Kind == KindInline {
			key = "cid:" + ref.ContentID
		}
		if existing, ok := byKey[key]; ok {
			ref = existing
		} else {
			ref.Ordinal = len(p.Refs) + 1
			byKey[key] = ref
			p.Refs = append(p.Refs, ref)
		}
		p.targets = append(p.targets, target{sel: sel, attr: attr, raw: raw, ref: ref})
	}

	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		if goquery.NodeName(sel) == "img" {
			if src := l.imageSource(sel); src != "" {
				add(sel, "src", src)
			}
		}
		if bg, ok := sel.Attr("background"); ok && strings.TrimSpace(bg) != "" {
			add(sel, "background", bg)
		}
		if style, ok := sel.Attr("style"); ok {
			for _, m := range cssURLPattern.FindAllStringSubmatch(style, -1) {
				add(sel, "style", m[1])
			}
		}
	})
	return p
}

// imageSource applies the lazy-loading rules to img and returns the source to
// localize. Tracking URLs are never promoted into src.
func (l *Localizer) imageSource(img *goquery.Selection) string {
	for _, attr := range l.rules.LazyAttributes {
		v := strings.TrimSpace(img.AttrOr(attr, ""))
		if v != "" && !l.rules.IsTracking(v) {
			img.SetAttr("src", v)
			img.RemoveAttr(attr)
			break
		}
	}

	src := strings.TrimSpace(img.AttrOr("src", ""))
	if src == "" {
		if first := firstSrcsetCandidate(img.AttrOr("srcset", "")); first != "" && !l.rules.IsTracking(first) {
			img.SetAttr("src", first)
			img.RemoveAttr("srcset")
			src = first
		}
	}
	return src
}

func (l *Localizer) reference(raw string) *Ref {
	if raw == "" {
		return nil
	}
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "data:"):
		return nil
	case strings.HasPrefix(lower, "cid:"):
		cid := message.NormalizeContentID(raw)
		if cid == "" {
			return nil
		}
		return &Ref{Source: raw, FetchURL: raw, Kind: KindInline, ContentID: cid}
	}

	fetchURL := raw
	if strings.HasPrefix(raw, "//") {
		fetchURL = "https:" + raw
	}
	lowerFetch := strings.ToLower(fetchURL)
	if !strings.HasPrefix(lowerFetch, "http://") && !strings.HasPrefix(lowerFetch, "https://") {
		return nil
	}
	if l.rules.IsTracking(fetchURL) {
		return nil
	}
	return &Ref{Source: raw, FetchURL: fetchURL, Kind: KindRemote}
}

func firstSrcsetCandidate(srcset string) string {
	first := strings.TrimSpace(strings.Split(srcset, ",")[0])
	if fields := strings.Fields(first); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// Apply rewrites every collected reference whose ordinal was materialized.
// References without a local file keep their original value.
func (l *Localizer) Apply(p *Plan, results []Result) {
	files := make(map[int]string, len(results))
	for _, r := range results {
		if r.Err == nil && r.File != "" {
			files[r.Ordinal] = r.File
		}
	}

	for _, t := range p.targets {
		file, ok := files[t.ref.Ordinal]
		if !ok {
			continue
		}
		switch t.attr {
		case "src":
			t.sel.SetAttr("src", file)
			t.sel.RemoveAttr("srcset")
		case "background":
			t.sel.SetAttr("background", file)
		case "style":
			style := t.sel.AttrOr("style", "")
			t.sel.SetAttr("style", strings.Replace(style, t.raw, file, 1))
		}
	}
}

// Package sanitize cleans newsletter HTML before it is archived: it drops active
// and viewer-only content, defuses tracking pixels, unwraps forwarded messages and
// extracts the preheader and reading time.
package sanitize

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/rules"
)

// HiddenStyle is written onto defused pixels.
const HiddenStyle = "display:none !important;"

var removedElements = "script, iframe, object, embed, meta, link, base, noscript, frame, frameset, applet"

// Result carries the sanitized document and what was learned while cleaning it.
type Result struct {
	Doc         *goquery.Document
	Pixels      []model.PixelEntry
	Preheader   string
	ReadingTime int
	Forward     ForwardMatch
}

// HTML renders the current state of the document.
func (r *Result) HTML() (string, error) {
	out, err := r.Doc.Html()
	if err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return out, nil
}

// Sanitizer applies the cleaning rules. It holds no per-message state and is safe
// for concurrent use.
type Sanitizer struct {
	rules *rules.Rules
}

// New returns a Sanitizer using r, or the built-in tables when r is nil.
func New(r *rules.Rules) *Sanitizer {
	if r == nil {
		r = rules.Default()
	}
	return &Sanitizer{rules: r}
}

// Sanitize parses raw and returns the cleaned document.
func (s *Sanitizer) Sanitize(raw string) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	doc.Find(removedElements).Remove()
	s.removeViewerStyles(doc)
	stripActiveAttributes(doc)

	res := &Result{Doc: doc}
	res.Forward = DetectForward(doc, s.rules.ForwardMarkers)
	if res.Forward.Found {
		Unwrap(doc, res.Forward)
	}

	res.Pixels = s.defusePixels(doc)

	text := VisibleText(doc)
	res.Preheader = Preheader(text, PreheaderLength)
	res.ReadingTime = ReadingTime(text)
	return res, nil
}

func (s *Sanitizer) removeViewerStyles(doc *goquery.Document) {
	doc.Find("style").Each(func(_ int, sel *goquery.Selection) {
		css := sel.Text()
		for _, marker := range s.rules.ViewerStyleMarkers {
			if marker != "" && strings.Contains(css, marker) {
				sel.Remove()
				return
			}
		}
	})
}

// stripActiveAttributes drops inline event handlers and javascript: URLs.
func stripActiveAttributes(doc *goquery.Document) {
	for _, root := range doc.Nodes {
		walk(root, func(n *html.Node) {
			if n.Type != html.ElementNode {
				return
			}
			kept := n.Attr[:0]
			for _, a := range n.Attr {
				key := strings.ToLower(a.Key)
				if strings.HasPrefix(key, "on") {
					continue
				}
				if (key == "href" || key == "src" || key == "action" || key == "formaction") && isScriptURL(a.Val) {
					continue
				}
				kept = append(kept, a)
			}
			n.Attr = kept
		})
	}
}

func isScriptURL(v string) bool {
	v = strings.ToLower(strings.Join(strings.Fields(v), ""))
	return strings.HasPrefix(v, "javascript:") || strings.HasPrefix(v, "vbscript:")
}

func (s *Sanitizer) defusePixels(doc *goquery.Document) []model.PixelEntry {
	var pixels []model.PixelEntry
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		sources := s.imageSources(img)
		if len(sources) == 0 {
			return
		}

		target, reason := "", ""
		for _, candidate := range sources {
			if s.rules.IsTracking(candidate) {
				target, reason = candidate, model.PixelReasonTrackingDomain
				break
			}
		}
		if reason == "" {
			if !isOnePixel(img.AttrOr("width", "")) || !isOnePixel(img.AttrOr("height", "")) {
				return
			}
			target, reason = sources[0], model.PixelReasonDimensions
		}

		pixels = append(pixels, model.PixelEntry{
			URL:         target,
			Domain:      Domain(target),
			MatchReason: reason,
		})

		img.SetAttr("src", "")
		img.SetAttr("style", HiddenStyle)
		img.RemoveAttr("srcset")
		for _, attr := range s.rules.LazyAttributes {
			img.RemoveAttr(attr)
		}
	})
	return pixels
}

// imageSources lists every URL the image may load, in the order the archive
// resolves them: lazy attributes, then src, then srcset candidates.
func (s *Sanitizer) imageSources(img *goquery.Selection) []string {
	var sources []string
	for _, attr := range s.rules.LazyAttributes {
		if v := strings.TrimSpace(img.AttrOr(attr, "")); v != "" {
			sources = append(sources, v)
		}
	}
	if src := strings.TrimSpace(img.AttrOr("src", "")); src != "" {
		sources = append(sources, src)
	}
	return append(sources, srcsetURLs(img.AttrOr("srcset", ""))...)
}

func srcsetURLs(srcset string) []string {
	var urls []string
	for _, candidate := range strings.Split(srcset, ",") {
		if fields := strings.Fields(candidate); len(fields) > 0 {
			urls = append(urls, fields[0])
		}
	}
	return urls
}

func isOnePixel(v string) bool {
	v = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(v)), "px")
	return strings.TrimSpace(v) == "1"
}

// Domain returns the lowercase host of rawURL, accepting protocol-relative forms.
func Domain(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if strings.HasPrefix(rawURL, "//") {
		rawURL = "https:" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

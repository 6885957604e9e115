// Package audit computes the quality summary stored with every archive record.
package audit

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/dhcgn/newsletter-archive/identity"
	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/rules"
	"github.com/dhcgn/newsletter-archive/sanitize"
)

// Subject length classes.
const (
	SubjectShort   = "short"
	SubjectOptimal = "optimal"
	SubjectLong    = "long"
)

const (
	shortBelow  = 30
	optimalUpTo = 60
	unsubHeader = "List-Unsubscribe"
)

// Auditor summarizes a sanitized message.
type Auditor struct {
	rules *rules.Rules
}

// New returns an Auditor using r, or the built-in tables when r is nil.
func New(r *rules.Rules) *Auditor {
	if r == nil {
		r = rules.Default()
	}
	return &Auditor{rules: r}
}

// Summarize builds the audit summary. doc must already be sanitized so defused
// pixels can be told apart from content images.
func (a *Auditor) Summarize(subject string, doc *goquery.Document, headers map[string]string, linkCount int) model.AuditSummary {
	return model.AuditSummary{
		SubjectLengthClass: SubjectClass(subject),
		UnsubscribeFound:   a.hasUnsubscribe(doc, headers),
		LinkCount:          linkCount,
		ImagesWithoutAlt:   imagesWithoutAlt(doc),
	}
}

// SubjectClass classifies the normalized subject by its length in runes.
func SubjectClass(subject string) string {
	n := utf8.RuneCountInString(identity.NormalizeSubject(subject))
	switch {
	case n < shortBelow:
		return SubjectShort
	case n <= optimalUpTo:
		return SubjectOptimal
	default:
		return SubjectLong
	}
}

func (a *Auditor) hasUnsubscribe(doc *goquery.Document, headers map[string]string) bool {
	for k, v := range headers {
		if strings.EqualFold(k, unsubHeader) && strings.TrimSpace(v) != "" {
			return true
		}
	}

	found := false
	doc.Find("a").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(s.Text() + " " + s.AttrOr("href", ""))
		for _, w := range a.rules.UnsubscribeWords {
			if w != "" && strings.Contains(text, w) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

func imagesWithoutAlt(doc *goquery.Document) int {
	count := 0
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if s.AttrOr("style", "") == sanitize.HiddenStyle {
			return
		}
		if strings.TrimSpace(s.AttrOr("alt", "")) == "" {
			count++
		}
	})
	return count
}

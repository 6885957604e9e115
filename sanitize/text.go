package sanitize

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const (
	// PreheaderLength is the rune budget of the preheader before truncation.
	PreheaderLength = 160
	// WordsPerMinute is the reading speed used for ReadingTime.
	WordsPerMinute = 200
)

var skippedText = map[string]bool{
	"script":   true,
	"style":    true,
	"head":     true,
	"title":    true,
	"noscript": true,
	"template": true,
}

// Zero-width and joiner characters that newsletters pad their preheaders with.
var invisible = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\u2060", "",
	"\ufeff", "",
	"\u034f", "",
	"\u00ad", "",
	"\u180e", "",
)

// VisibleText returns the rendered text of the document in document order,
// skipping head content and elements hidden with display:none.
func VisibleText(doc *goquery.Document) string {
	var parts []string
	for _, root := range doc.Nodes {
		collectText(root, &parts)
	}
	return normalizeSpace(invisible.Replace(strings.Join(parts, " ")))
}

func collectText(n *html.Node, parts *[]string) {
	switch n.Type {
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			*parts = append(*parts, t)
		}
		return
	case html.ElementNode:
		if skippedText[n.Data] || isHidden(n) {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, parts)
	}
}

func isHidden(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "style" {
			style := strings.ReplaceAll(strings.ToLower(a.Val), " ", "")
			return strings.Contains(style, "display:none")
		}
	}
	return false
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Preheader truncates text to limit runes, appending "..." when it was cut.
func Preheader(text string, limit int) string {
	text = normalizeSpace(invisible.Replace(text))
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}

// ReadingTime estimates minutes to read text, never less than one.
func ReadingTime(text string) int {
	words := len(strings.Fields(text))
	minutes := (words + WordsPerMinute - 1) / WordsPerMinute
	if minutes < 1 {
		return 1
	}
	return minutes
}

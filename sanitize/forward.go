package sanitize

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Forward detection strategies.
const (
	StrategyContainer = "container"
	StrategyMarker    = "marker"
)

const containerSelector = "div.gmail_quote, blockquote[type=cite]"

// ForwardMatch is the outcome of the forwarded-message heuristic. It is keyword
// based and can fire on newsletters that merely mention a forwarded message.
type ForwardMatch struct {
	Found    bool
	Marker   string
	Strategy string

	container *goquery.Selection
	node      *html.Node
}

// DetectForward looks for a forwarding banner. A mail client quote container
// wins over a bare text marker because its boundaries are exact.
func DetectForward(doc *goquery.Document, markers []string) ForwardMatch {
	body := doc.Find("body")
	if body.Length() == 0 {
		return ForwardMatch{}
	}

	text := strings.ToLower(body.Text())
	marker := firstMarker(text, markers)

	if c := body.Find(containerSelector).First(); c.Length() > 0 {
		if marker != "" || c.Is("div.gmail_quote") {
			if marker == "" {
				marker = "gmail_quote"
			}
			return ForwardMatch{Found: true, Marker: marker, Strategy: StrategyContainer, container: c}
		}
	}

	if marker == "" {
		return ForwardMatch{}
	}

	var hit *html.Node
	for _, root := range body.Nodes {
		hit = findTextNode(root, marker)
		if hit != nil {
			break
		}
	}
	if hit == nil {
		// The marker is split across elements; nothing safe to cut at.
		return ForwardMatch{Found: true, Marker: marker, Strategy: StrategyMarker}
	}
	return ForwardMatch{Found: true, Marker: marker, Strategy: StrategyMarker, node: hit}
}

// Unwrap replaces the body with the forwarded content located by m.
func Unwrap(doc *goquery.Document, m ForwardMatch) {
	body := doc.Find("body")
	if body.Length() == 0 || !m.Found {
		return
	}
	bodyNode := body.Nodes[0]

	var keep []*html.Node
	switch {
	case m.container != nil:
		m.container.Find(".gmail_attr").Remove()
		for c := m.container.Nodes[0].FirstChild; c != nil; c = c.NextSibling {
			keep = append(keep, c)
		}
	case m.node != nil:
		for cur := m.node; cur != nil && cur != bodyNode; cur = cur.Parent {
			for sib := cur.NextSibling; sib != nil; sib = sib.NextSibling {
				keep = append(keep, sib)
			}
		}
	default:
		return
	}
	if len(keep) == 0 {
		return
	}

	for _, n := range keep {
		n.Parent.RemoveChild(n)
	}
	for c := bodyNode.FirstChild; c != nil; {
		next := c.NextSibling
		bodyNode.RemoveChild(c)
		c = next
	}
	for _, n := range keep {
		bodyNode.AppendChild(n)
	}
}

func firstMarker(text string, markers []string) string {
	for _, m := range markers {
		if m != "" && strings.Contains(text, m) {
			return m
		}
	}
	return ""
}

func findTextNode(n *html.Node, marker string) *html.Node {
	if n.Type == html.TextNode && strings.Contains(strings.ToLower(n.Data), marker) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if hit := findTextNode(c, marker); hit != nil {
			return hit
		}
	}
	return nil
}

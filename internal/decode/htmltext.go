package decode

import (
	"strings"

	"golang.org/x/net/html"
)

// htmlToText reduces HTML to its visible text: tags removed, entities
// resolved, text nodes concatenated verbatim in document order. Non-content
// subtrees (script, style) are skipped.
func htmlToText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "iframe", "title":
				return
			}
		case html.TextNode:
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.TrimSpace(b.String())
}

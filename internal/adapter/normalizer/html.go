package normalizer

import (
	"strings"

	"golang.org/x/net/html"
)

const maxHTMLDepth = 64

// htmlToText renders an HTML body as plain text with headings on their own
// paragraph, prefixed with markdown hashes.
func htmlToText(content string) (string, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	extractText(doc, &sb, 0)
	return sb.String(), nil
}

func extractText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > maxHTMLDepth {
		return
	}

	switch n.Type {
	case html.TextNode:
		text := strings.TrimSpace(n.Data)
		if text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "header", "head":
			return
		case "h1", "h2", "h3", "h4", "h5", "h6":
			level := int(n.Data[1] - '0')
			sb.WriteString("\n\n")
			sb.WriteString(strings.Repeat("#", level))
			sb.WriteString(" ")
		case "p", "div", "section", "article", "table", "blockquote", "ul", "ol":
			sb.WriteString("\n\n")
		case "br", "tr":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb, depth+1)
	}

	if n.Type == html.ElementNode {
		switch n.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6", "p", "div", "section", "article", "table", "blockquote", "ul", "ol":
			sb.WriteString("\n\n")
		}
	}
}

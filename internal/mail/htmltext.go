package mail

import (
	"strings"

	"golang.org/x/net/html"
)

// blockElements are the tags that terminate a visual line; crossing one
// inserts a line break in the plain-text rendering.
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "table": true, "blockquote": true,
	"pre": true, "section": true, "article": true, "header": true,
	"footer": true, "hr": true,
}

// htmlToText renders an HTML body as plain text: markup is stripped,
// runs of whitespace inside text collapse to single spaces, and
// block-level elements become line breaks. A document that cannot be
// parsed yields an empty string; the caller treats that as "no body"
// rather than a failure.
func htmlToText(content string) string {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return ""
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" || n.Data == "head" {
				return
			}
		case html.TextNode:
			text := collapseWhitespace(n.Data)
			if text != "" {
				if b.Len() > 0 && !endsWithSpace(&b) {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
		}

		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}

		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	return tidyLines(b.String())
}

// collapseWhitespace trims a text node and squeezes internal whitespace
// runs down to single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func endsWithSpace(b *strings.Builder) bool {
	s := b.String()
	if s == "" {
		return true
	}
	last := s[len(s)-1]
	return last == ' ' || last == '\n'
}

// tidyLines trims trailing spaces per line and caps consecutive blank
// lines at one, preserving paragraph structure without padding.
func tidyLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

package normalize

import (
	"strings"

	"golang.org/x/net/html"
)

// HTMLText flattens an HTML fragment (forum comments) into plain text. Line
// breaks become newlines; tags are dropped and entities decoded.
func HTMLText(fragment string) string {
	if fragment == "" {
		return ""
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "br", "p":
				b.WriteByte('\n')
			}
		}
	}
}

package task

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// RewriteIndex parses a pip-style simple-index HTML page and rewrites
// every <a href> that points at upstreamBase to point at selfBase
// instead, so clients resolve package links back through this proxy
// rather than straight to the origin. Anything not rooted at
// upstreamBase is left untouched.
func RewriteIndex(body []byte, upstreamBase, selfBase string) (string, error) {
	upstreamBase = strings.TrimRight(upstreamBase, "/")
	selfBase = strings.TrimRight(selfBase, "/")

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for i, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				if upstreamBase != "" && strings.HasPrefix(attr.Val, upstreamBase) {
					n.Attr[i].Val = selfBase + strings.TrimPrefix(attr.Val, upstreamBase)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}


package render

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// blockedURL replaces href/src values whose scheme is not allow-listed. The
// stub is visibly broken rather than silently dropped so document reviewers
// notice the bad link.
const blockedURL = `javascript:alert("Invalid URL.");`

var allowedSchemes = map[string]bool{"": true, "http": true, "https": true, "mailto": true}

// rewriteURLs parses rendered HTML as a fragment and rewrites every href and
// src attribute: relative paths are resolved against the task's static-asset
// mapping, and any URL whose scheme falls outside {"", http, https, mailto}
// is replaced with a harmless stub. data: URLs are allowed only on <img src>
// and only when the caller opted in.
func rewriteURLs(fragment string, opts Options) (string, error) {
	div := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), div)
	if err != nil {
		return "", err
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for i, attr := range n.Attr {
				if attr.Key != "href" && attr.Key != "src" {
					continue
				}
				n.Attr[i].Val = rewriteOneURL(attr.Val, n.Data == "img" && attr.Key == "src", opts)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}

	var b strings.Builder
	for _, n := range nodes {
		if err := html.Render(&b, n); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

func rewriteOneURL(raw string, isImageSrc bool, opts Options) string {
	if mapped, ok := lookupAsset(raw, opts.Assets); ok {
		raw = mapped
	}
	u, err := url.Parse(raw)
	if err != nil {
		return blockedURL
	}
	scheme := strings.ToLower(u.Scheme)
	if allowedSchemes[scheme] {
		return raw
	}
	if scheme == "data" && isImageSrc && opts.AllowDataURLs {
		return raw
	}
	return blockedURL
}

func lookupAsset(path string, assets map[string]string) (string, bool) {
	if len(assets) == 0 {
		return "", false
	}
	if mapped, ok := assets[path]; ok {
		return mapped, true
	}
	trimmed := strings.TrimPrefix(path, "./")
	if mapped, ok := assets[trimmed]; ok {
		return mapped, true
	}
	return "", false
}

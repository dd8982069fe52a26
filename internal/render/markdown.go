package render

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Template tags and Markdown both use syntactically significant punctuation.
// Before CommonMark conversion every tag is replaced with an opaque token
// built from private-use runes that cannot collide with document text; after
// conversion the original tag text is substituted back, yielding an HTML
// template that is then executed normally.
const (
	tokenOpen  = "\uE000"
	tokenClose = "\uE001"
)

var tagPattern = regexp.MustCompile(`\{\{.*?\}\}|\{%.*?%\}|\{#.*?#\}`)

var markdownConverter = goldmark.New(goldmark.WithExtensions(extension.Table))

// markdownToHTMLTemplate converts a Markdown template body into an HTML
// template body, protecting template syntax from the converter.
func markdownToHTMLTemplate(src string) (string, error) {
	var tags []string
	protected := tagPattern.ReplaceAllStringFunc(src, func(tag string) string {
		tags = append(tags, tag)
		return fmt.Sprintf("%s%d%s", tokenOpen, len(tags)-1, tokenClose)
	})

	protected = stripFenceInfo(protected)

	var buf bytes.Buffer
	if err := markdownConverter.Convert([]byte(protected), &buf); err != nil {
		return "", fmt.Errorf("markdown conversion: %w", err)
	}
	out := demoteHeadings(buf.String())

	for i, tag := range tags {
		token := fmt.Sprintf("%s%d%s", tokenOpen, i, tokenClose)
		out = strings.Replace(out, token, tag, 1)
	}
	return out, nil
}

var fenceInfoPattern = regexp.MustCompile("^(\\s*(?:```+|~~~+))\\s*\\S.*$")

// stripFenceInfo removes the info string from fenced code blocks so a
// templated info string cannot inject CSS class names.
func stripFenceInfo(src string) string {
	lines := strings.Split(src, "\n")
	for i, line := range lines {
		if m := fenceInfoPattern.FindStringSubmatch(line); m != nil {
			lines[i] = m[1]
		}
	}
	return strings.Join(lines, "\n")
}

// demoteHeadings moves every heading down one level so rendered documents
// never collide with the page's own <h1>.
func demoteHeadings(s string) string {
	for level := 5; level >= 1; level-- {
		from := fmt.Sprintf("%d", level)
		to := fmt.Sprintf("%d", level+1)
		s = strings.ReplaceAll(s, "<h"+from, "<h"+to)
		s = strings.ReplaceAll(s, "</h"+from+">", "</h"+to+">")
	}
	return s
}

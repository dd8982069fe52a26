package render

import (
	"fmt"
	"html"
)

// Format identifies a rendering target.
type Format string

const (
	FormatHTML     Format = "html"
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	// FormatParseOnly compiles the template without executing it. The module
	// validator uses it to catch broken templates at authoring time, before
	// any answers exist.
	FormatParseOnly Format = "parse-only"
)

// Content is a template body plus its source format.
type Content struct {
	Format   string
	Template string
}

// Options adjusts rendering behavior.
type Options struct {
	// AllowDataURLs permits data: URLs on <img src> during HTML
	// post-processing (data-URL export mode).
	AllowDataURLs bool
	// Assets maps relative href/src paths to servable URLs during HTML
	// post-processing. Populated from the task's static-asset mapping.
	Assets map[string]string
}

// Render compiles and executes a template against a context. Individual
// expression failures render as inline error markers; the returned error is
// reserved for malformed templates and unsupported format combinations,
// labeled with sourceLabel for author-facing reporting.
func Render(content Content, ctx Scope, target Format, sourceLabel string, opts Options) (string, error) {
	switch content.Format {
	case "json", "yaml":
		return renderStructured(content, ctx, target, sourceLabel)
	case "markdown", "text", "html", "xml":
		// handled below
	default:
		return "", fmt.Errorf("%s: unsupported template format %q", sourceLabel, content.Format)
	}

	if target == FormatParseOnly {
		// Tags survive markdown conversion untouched, so compiling the raw
		// body validates exactly what will execute later.
		if _, err := CompileTemplate(content.Template); err != nil {
			return "", fmt.Errorf("%s: %w", sourceLabel, err)
		}
		return "", nil
	}

	switch content.Format {
	case "markdown":
		if target == FormatHTML {
			htmlTemplate, err := markdownToHTMLTemplate(content.Template)
			if err != nil {
				return "", fmt.Errorf("%s: %w", sourceLabel, err)
			}
			tmpl, err := CompileTemplate(htmlTemplate)
			if err != nil {
				return "", fmt.Errorf("%s: %w", sourceLabel, err)
			}
			return tmpl.Render(ctx, HTMLEscaper), nil
		}
		tmpl, err := CompileTemplate(content.Template)
		if err != nil {
			return "", fmt.Errorf("%s: %w", sourceLabel, err)
		}
		return tmpl.Render(ctx, TextEscaper), nil
	case "text":
		tmpl, err := CompileTemplate(content.Template)
		if err != nil {
			return "", fmt.Errorf("%s: %w", sourceLabel, err)
		}
		out := tmpl.Render(ctx, TextEscaper)
		if target == FormatHTML {
			return html.EscapeString(out), nil
		}
		return out, nil
	case "html", "xml":
		tmpl, err := CompileTemplate(content.Template)
		if err != nil {
			return "", fmt.Errorf("%s: %w", sourceLabel, err)
		}
		out := tmpl.Render(ctx, HTMLEscaper)
		if content.Format == "html" && target == FormatHTML {
			return rewriteURLs(out, opts)
		}
		return out, nil
	}
	return "", fmt.Errorf("%s: unsupported target format %q", sourceLabel, target)
}

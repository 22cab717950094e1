// Package orghtml renders parsed org documents to HTML fragments. The output
// is inert: every text run is escaped, cross-links carry the target id as a
// data attribute for the client to wire up, and LaTeX blocks become indexed
// placeholder elements so the client can substitute rendered SVG later.
package orghtml

import (
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/orgmap/orgmap/pkg/org"
)

// ErrNotFound is returned when the addressed node id does not exist in the
// document being rendered.
var ErrNotFound = errors.New("orghtml: node not found")

// Scope selects how much of a document one Render call covers.
type Scope int

const (
	// ScopeNode renders only the addressed node's body.
	ScopeNode Scope = iota
	// ScopeFile renders the whole tree rooted at the file node.
	ScopeFile
)

// AdviceRule maps a custom block keyword onto the styling the renderer wraps
// it with. Rules come from the configuration file.
type AdviceRule struct {
	// On is the block keyword the rule applies to, e.g. "warning".
	On string `yaml:"on"`

	// HeaderHTML is emitted verbatim before the wrapped block. It comes
	// from the operator's own configuration, not from the corpus.
	HeaderHTML string `yaml:"header_html"`

	// CSSStyle is the inline style of the wrapping div.
	CSSStyle string `yaml:"css_style"`

	// TextStyle is the inline style applied to paragraphs inside the block.
	TextStyle string `yaml:"text_style"`
}

// Result is one rendered fragment plus its sidecar lists. Links and Latex
// mirror the parser's lists for the rendered scope, in document order.
type Result struct {
	HTML  string
	Links []org.Link
	Latex []string
}

// Renderer renders documents with a fixed advice-rule set and heading
// mapping. The zero value renders with no advice and headings starting at h2.
type Renderer struct {
	// Advice rules matched (case-insensitively) against custom block
	// keywords.
	Advice []AdviceRule

	// HeadingBase is the HTML heading level a level-1 org heading maps to.
	// Zero means 2; deeper headings clamp at h6.
	HeadingBase int
}

// Render renders the node with the given id from doc. With ScopeNode only
// that node's body is rendered; with ScopeFile the whole document tree is
// rendered in document order, and the sidecar lists span every node in it.
func (r *Renderer) Render(doc *org.Document, id string, scope Scope) (*Result, error) {
	target := doc.NodeByID(id)
	if target == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, id, doc.Path)
	}

	w := &writer{r: r}
	switch scope {
	case ScopeFile:
		for _, n := range doc.Nodes {
			if n.Level > 0 {
				w.heading(n.Level, n.Title, n.Tags)
			}
			w.blocks(n.Body, "")
			w.latexOffset += len(n.Latex)
		}
		res := &Result{HTML: w.sb.String()}
		for _, n := range doc.Nodes {
			res.Links = append(res.Links, n.Links...)
			res.Latex = append(res.Latex, n.Latex...)
		}
		return res, nil
	default:
		w.blocks(target.Body, "")
		return &Result{
			HTML:  w.sb.String(),
			Links: append([]org.Link(nil), target.Links...),
			Latex: append([]string(nil), target.Latex...),
		}, nil
	}
}

func (r *Renderer) adviceFor(keyword string) *AdviceRule {
	for i := range r.Advice {
		if strings.EqualFold(r.Advice[i].On, keyword) {
			return &r.Advice[i]
		}
	}
	return nil
}

func (r *Renderer) headingTag(level int) string {
	base := r.HeadingBase
	if base <= 0 {
		base = 2
	}
	h := base + level - 1
	if h > 6 {
		h = 6
	}
	if h < 1 {
		h = 1
	}
	return "h" + strconv.Itoa(h)
}

type writer struct {
	r           *Renderer
	sb          strings.Builder
	latexOffset int
}

func (w *writer) heading(level int, title string, tags []string) {
	tag := w.r.headingTag(level)
	w.sb.WriteString("<" + tag + ">")
	w.sb.WriteString(html.EscapeString(title))
	for _, t := range tags {
		w.sb.WriteString(` <span class="tag">` + html.EscapeString(t) + `</span>`)
	}
	w.sb.WriteString("</" + tag + ">\n")
}

// blocks renders a body block list. textStyle carries the active advice
// paragraph style when rendering inside an advised custom block.
func (w *writer) blocks(body []org.Block, textStyle string) {
	for _, b := range body {
		switch blk := b.(type) {
		case org.Paragraph:
			if textStyle != "" {
				w.sb.WriteString(`<p style="` + html.EscapeString(textStyle) + `">`)
			} else {
				w.sb.WriteString("<p>")
			}
			for _, in := range blk.Inlines {
				w.inline(in)
			}
			w.sb.WriteString("</p>\n")

		case org.Heading:
			w.heading(blk.Level, blk.Title, blk.Tags)

		case org.SrcBlock:
			w.sb.WriteString(`<pre><code class="src" data-language="` +
				html.EscapeString(blk.Lang) + `">`)
			w.sb.WriteString(html.EscapeString(blk.Code))
			w.sb.WriteString("</code></pre>\n")

		case org.LatexBlock:
			idx := w.latexOffset + blk.Index
			w.sb.WriteString(`<span class="latex-fragment" data-latex-index="` +
				strconv.Itoa(idx) + `"></span>` + "\n")

		case org.CustomBlock:
			w.custom(blk, textStyle)
		}
	}
}

func (w *writer) custom(blk org.CustomBlock, textStyle string) {
	advice := w.r.adviceFor(blk.Keyword)
	if advice == nil {
		w.sb.WriteString(`<div class="block block-` + html.EscapeString(blk.Keyword) + `">` + "\n")
		w.blocks(blk.Body, textStyle)
		w.sb.WriteString("</div>\n")
		return
	}
	if advice.HeaderHTML != "" {
		w.sb.WriteString(advice.HeaderHTML + "\n")
	}
	w.sb.WriteString(`<div style="` + html.EscapeString(advice.CSSStyle) + `">` + "\n")
	w.blocks(blk.Body, advice.TextStyle)
	w.sb.WriteString("</div>\n")
}

func (w *writer) inline(in org.Inline) {
	switch v := in.(type) {
	case org.Text:
		w.sb.WriteString(html.EscapeString(v.Value))
	case org.IDLink:
		display := v.Display
		if display == "" {
			display = v.Target
		}
		w.sb.WriteString(`<a href="#" class="internal-link" data-node-id="` +
			html.EscapeString(v.Target) + `">` + html.EscapeString(display) + `</a>`)
	}
}

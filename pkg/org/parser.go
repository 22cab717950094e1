package org

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	headingRe  = regexp.MustCompile(`^(\*+)\s+(.*)$`)
	headTagsRe = regexp.MustCompile(`\s+((?::[A-Za-z0-9_@#%]+)+:)\s*$`)
	propRe     = regexp.MustCompile(`^:([A-Za-z0-9_@-]+):\s*(.*)$`)
	beginSrcRe = regexp.MustCompile(`(?i)^#\+begin_src(?:\s+(\S+))?\s*`)
	endSrcRe   = regexp.MustCompile(`(?i)^#\+end_src\s*$`)
	beginKwRe  = regexp.MustCompile(`(?i)^#\+begin_([A-Za-z0-9_-]+)\s*$`)
	titleRe    = regexp.MustCompile(`(?i)^#\+title:\s*(.*)$`)
	filetagsRe = regexp.MustCompile(`(?i)^#\+filetags:\s*(.*)$`)
	linkRe     = regexp.MustCompile(`\[\[id:([^\]\[]+)\](?:\[([^\]\[]*)\])?\]`)
	latexEnvRe = regexp.MustCompile(`^\\begin\{([A-Za-z]+\*?)\}`)
)

// latexEnvs are the LaTeX environments recognized as displayed blocks.
var latexEnvs = map[string]bool{
	"equation": true, "equation*": true,
	"align": true, "align*": true,
	"alignat": true, "alignat*": true,
	"gather": true, "gather*": true,
	"CD":          true,
	"algorithm":   true,
	"algorithmic": true,
	"tikzpicture": true,
	"center":      true,
}

// line is one source line with its byte offset into the original input.
type line struct {
	text  string // without the trailing newline (CR stripped)
	start int
}

func splitLines(src []byte) []line {
	var out []line
	start := 0
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' {
			text := string(src[start:i])
			text = strings.TrimSuffix(text, "\r")
			out = append(out, line{text: text, start: start})
			start = i + 1
		}
	}
	if start < len(src) {
		text := strings.TrimSuffix(string(src[start:]), "\r")
		out = append(out, line{text: text, start: start})
	}
	return out
}

type parser struct {
	path  string
	src   []byte
	lines []line
	doc   *Document

	seen map[string]bool

	// file is the file-level node when the front-matter declared an ID.
	file *Node

	// stack holds the open heading nodes, outermost first.
	stack []*Node

	para      []string
	paraOwner *Node
}

// Parse turns one document's text into a Document. The path is recorded on
// the result and used only for diagnostics and the title fallback; Parse
// performs no I/O.
//
// A duplicate node id within the input is fatal and returns a
// *DuplicateIDError wrapping ErrParseFatal. All other irregularities degrade
// to warnings on the returned Document.
func Parse(path string, src []byte) (*Document, error) {
	p := &parser{
		path:  path,
		src:   src,
		lines: splitLines(src),
		doc:   &Document{Path: path},
		seen:  map[string]bool{},
	}
	if err := p.run(); err != nil {
		return nil, err
	}
	return p.doc, nil
}

func (p *parser) run() error {
	i := 0

	// Front-matter: a property drawer before any content sets the file
	// node's id.
	for i < len(p.lines) && strings.TrimSpace(p.lines[i].text) == "" {
		i++
	}
	if i < len(p.lines) && strings.EqualFold(strings.TrimSpace(p.lines[i].text), ":PROPERTIES:") {
		props, next, ok := p.parseDrawer(i)
		if ok {
			i = next
			if id := props["ID"]; id != "" {
				p.file = &Node{
					ID:   id,
					Span: Span{Start: 0, End: len(p.src)},
				}
				p.seen[id] = true
				p.doc.Nodes = append(p.doc.Nodes, p.file)
			}
		} else {
			p.warn("unterminated property drawer at top of file")
			// The :PROPERTIES: line falls through to the body below.
		}
	}

	for i < len(p.lines) {
		ln := p.lines[i]
		trimmed := strings.TrimSpace(ln.text)

		switch {
		case trimmed == "":
			p.flushPara()
			i++

		case headingRe.MatchString(ln.text):
			p.flushPara()
			var err error
			i, err = p.heading(i)
			if err != nil {
				return err
			}

		case titleRe.MatchString(trimmed):
			p.flushPara()
			p.doc.Title = strings.TrimSpace(titleRe.FindStringSubmatch(trimmed)[1])
			i++

		case filetagsRe.MatchString(trimmed):
			p.flushPara()
			p.doc.FileTags = parseTagString(filetagsRe.FindStringSubmatch(trimmed)[1])
			i++

		case endSrcRe.MatchString(trimmed):
			// A stray end marker; drop it with a note.
			p.flushPara()
			p.warn("unmatched #+end_src")
			i++

		case beginSrcRe.MatchString(trimmed):
			p.flushPara()
			block, next := p.collectSrc(i)
			p.appendBlock(block)
			i = next

		case beginKwRe.MatchString(trimmed):
			p.flushPara()
			block, next := p.collectCustom(i)
			p.appendBlock(block)
			i = next

		case isLatexStart(trimmed):
			p.flushPara()
			src, next := p.collectLatex(i)
			p.appendLatex(src)
			i = next

		default:
			if p.paraOwner != p.owner() {
				p.flushPara()
			}
			p.paraOwner = p.owner()
			p.para = append(p.para, ln.text)
			i++
		}
	}
	p.flushPara()

	// Close every open span at end of input.
	for _, n := range p.stack {
		n.Span.End = len(p.src)
	}

	p.finishFileNode()
	return nil
}

// owner returns the node that currently owns body content: the innermost
// open heading node, else the file node, else nil.
func (p *parser) owner() *Node {
	if len(p.stack) > 0 {
		return p.stack[len(p.stack)-1]
	}
	return p.file
}

func (p *parser) warn(msg string) {
	p.doc.Warnings = append(p.doc.Warnings, msg)
}

func (p *parser) appendBlock(b Block) {
	if o := p.owner(); o != nil {
		o.Body = append(o.Body, b)
	}
}

func (p *parser) appendLatex(src string) {
	o := p.owner()
	if o == nil {
		return
	}
	o.Body = append(o.Body, LatexBlock{Index: len(o.Latex)})
	o.Latex = append(o.Latex, src)
}

func (p *parser) flushPara() {
	if len(p.para) == 0 {
		p.para, p.paraOwner = nil, nil
		return
	}
	text := strings.Join(p.para, "\n")
	p.para = nil
	owner := p.paraOwner
	p.paraOwner = nil
	if owner == nil {
		// Content (and any links) outside every node is discarded.
		return
	}
	inlines := parseInlines(text, owner)
	owner.Body = append(owner.Body, Paragraph{Inlines: inlines})
}

// heading consumes the heading line at index i and, when an immediately
// following property drawer carries an ID, promotes it into a node.
func (p *parser) heading(i int) (int, error) {
	m := headingRe.FindStringSubmatch(p.lines[i].text)
	level := len(m[1])
	rest := m[2]

	var tags []string
	if tm := headTagsRe.FindStringSubmatch(rest); tm != nil {
		tags = parseTagString(tm[1])
		rest = strings.TrimSpace(rest[:len(rest)-len(tm[0])])
	}
	title := strings.TrimSpace(rest)

	// Any heading closes the subtrees of nodes at the same or deeper level.
	for len(p.stack) > 0 && p.stack[len(p.stack)-1].Level >= level {
		p.stack[len(p.stack)-1].Span.End = p.lines[i].start
		p.stack = p.stack[:len(p.stack)-1]
	}

	next := i + 1
	var id string
	if next < len(p.lines) && strings.EqualFold(strings.TrimSpace(p.lines[next].text), ":PROPERTIES:") {
		props, after, ok := p.parseDrawer(next)
		if ok {
			next = after
			id = props["ID"]
		} else {
			p.warn("unterminated property drawer after heading " + title)
			next = i + 1
		}
	}

	if id == "" {
		p.appendBlock(Heading{Level: level, Title: title, Tags: tags})
		return next, nil
	}

	if p.seen[id] {
		return 0, &DuplicateIDError{Path: p.path, ID: id}
	}
	p.seen[id] = true

	parentID := ""
	if parent := p.owner(); parent != nil {
		parentID = parent.ID
	}
	node := &Node{
		ID:       id,
		Title:    title,
		Level:    level,
		ParentID: parentID,
		Tags:     tags,
		Span:     Span{Start: p.lines[i].start, End: len(p.src)},
	}
	p.doc.Nodes = append(p.doc.Nodes, node)
	p.stack = append(p.stack, node)
	return next, nil
}

// parseDrawer parses the property drawer starting at lines[i] (which must be
// the :PROPERTIES: line). It reports ok=false when no :END: terminator is
// found before the next heading or end of input; in that case nothing is
// consumed.
func (p *parser) parseDrawer(i int) (map[string]string, int, bool) {
	end := -1
	for j := i + 1; j < len(p.lines); j++ {
		t := strings.TrimSpace(p.lines[j].text)
		if strings.EqualFold(t, ":END:") {
			end = j
			break
		}
		if headingRe.MatchString(p.lines[j].text) {
			break
		}
	}
	if end < 0 {
		return nil, i, false
	}

	props := map[string]string{}
	for j := i + 1; j < end; j++ {
		t := strings.TrimSpace(p.lines[j].text)
		if t == "" {
			continue
		}
		if m := propRe.FindStringSubmatch(t); m != nil {
			// Keys are case-insensitive; normalized to upper.
			props[strings.ToUpper(m[1])] = strings.TrimSpace(m[2])
		}
	}
	return props, end + 1, true
}

// collectSrc consumes a #+begin_src block starting at lines[i].
func (p *parser) collectSrc(i int) (Block, int) {
	return p.collectSrcIn(p.lines, i)
}

// collectCustom consumes a #+begin_<kw> block. The interior is parsed for
// paragraphs, source blocks, and LaTeX so links and math inside advice
// blocks still belong to the owning node.
func (p *parser) collectCustom(i int) (Block, int) {
	kw := strings.ToLower(beginKwRe.FindStringSubmatch(strings.TrimSpace(p.lines[i].text))[1])
	endMarker := "#+end_" + kw

	end := -1
	for j := i + 1; j < len(p.lines); j++ {
		if strings.EqualFold(strings.TrimSpace(p.lines[j].text), endMarker) {
			end = j
			break
		}
	}
	if end < 0 {
		p.warn("unterminated #+begin_" + kw + " block")
		end = len(p.lines)
	}

	body := p.parseInnerBlocks(p.lines[i+1 : end])
	next := end
	if end < len(p.lines) {
		next = end + 1
	}
	return CustomBlock{Keyword: kw, Body: body}, next
}

// parseInnerBlocks parses the interior lines of a custom block. Headings and
// directives are not recognized here; everything reduces to paragraphs,
// source blocks, and LaTeX blocks. Nested #+begin_<kw> lines are not parsed
// as blocks; they stay paragraph text.
func (p *parser) parseInnerBlocks(lines []line) []Block {
	owner := p.owner()
	var out []Block
	var para []string

	flush := func() {
		if len(para) == 0 {
			return
		}
		text := strings.Join(para, "\n")
		para = nil
		if owner == nil {
			return
		}
		out = append(out, Paragraph{Inlines: parseInlines(text, owner)})
	}

	i := 0
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i].text)
		switch {
		case trimmed == "":
			flush()
			i++
		case beginSrcRe.MatchString(trimmed):
			flush()
			// collectSrcIn works on the given slice, so indices stay
			// local to the block interior.
			block, next := p.collectSrcIn(lines, i)
			out = append(out, block)
			i = next
		case isLatexStart(trimmed):
			flush()
			src, next := p.collectLatexIn(lines, i)
			if owner != nil {
				out = append(out, LatexBlock{Index: len(owner.Latex)})
				owner.Latex = append(owner.Latex, src)
			}
			i = next
		default:
			para = append(para, lines[i].text)
			i++
		}
	}
	flush()
	return out
}

func (p *parser) collectSrcIn(lines []line, i int) (Block, int) {
	m := beginSrcRe.FindStringSubmatch(strings.TrimSpace(lines[i].text))
	lang := ""
	if len(m) > 1 {
		lang = m[1]
	}
	var code []string
	j := i + 1
	for ; j < len(lines); j++ {
		if endSrcRe.MatchString(strings.TrimSpace(lines[j].text)) {
			return SrcBlock{Lang: lang, Code: strings.Join(code, "\n")}, j + 1
		}
		code = append(code, lines[j].text)
	}
	p.warn("unterminated #+begin_src block")
	return SrcBlock{Lang: lang, Code: strings.Join(code, "\n")}, j
}

func (p *parser) collectLatex(i int) (string, int) {
	return p.collectLatexIn(p.lines, i)
}

// collectLatexIn consumes one displayed LaTeX block starting at lines[i].
// The returned source keeps the delimiters verbatim.
func (p *parser) collectLatexIn(lines []line, i int) (string, int) {
	first := strings.TrimSpace(lines[i].text)

	var closes func(string) bool
	switch {
	case strings.HasPrefix(first, "$$"):
		if len(first) > 2 && strings.HasSuffix(first, "$$") {
			return first, i + 1
		}
		closes = func(s string) bool { return strings.HasSuffix(s, "$$") }
	case strings.HasPrefix(first, `\[`):
		if strings.HasSuffix(first, `\]`) && len(first) > 2 {
			return first, i + 1
		}
		closes = func(s string) bool { return strings.HasSuffix(s, `\]`) }
	default:
		env := latexEnvRe.FindStringSubmatch(first)[1]
		endMarker := `\end{` + env + `}`
		if strings.Contains(first, endMarker) {
			return first, i + 1
		}
		closes = func(s string) bool { return strings.Contains(s, endMarker) }
	}

	collected := []string{lines[i].text}
	j := i + 1
	for ; j < len(lines); j++ {
		collected = append(collected, lines[j].text)
		if closes(strings.TrimSpace(lines[j].text)) {
			return strings.Join(collected, "\n"), j + 1
		}
	}
	p.warn("unterminated LaTeX block")
	return strings.Join(collected, "\n"), j
}

func isLatexStart(trimmed string) bool {
	if strings.HasPrefix(trimmed, "$$") || strings.HasPrefix(trimmed, `\[`) {
		return true
	}
	if m := latexEnvRe.FindStringSubmatch(trimmed); m != nil {
		return latexEnvs[m[1]]
	}
	return false
}

// parseInlines splits paragraph text into text runs and id-links, appending
// discovered links to owner.Links in document order.
func parseInlines(text string, owner *Node) []Inline {
	var out []Inline
	rest := text
	for {
		loc := linkRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		if loc[0] > 0 {
			out = append(out, Text{Value: rest[:loc[0]]})
		}
		target := rest[loc[2]:loc[3]]
		display := ""
		if loc[4] >= 0 {
			display = rest[loc[4]:loc[5]]
		}
		out = append(out, IDLink{Target: target, Display: display})
		owner.Links = append(owner.Links, Link{Target: target, Display: display})
		rest = rest[loc[1]:]
	}
	if rest != "" {
		out = append(out, Text{Value: rest})
	}
	return out
}

// parseTagString splits an org tag string like ":a:b:c:" (or "a b c") into
// its tags.
func parseTagString(s string) []string {
	s = strings.TrimSpace(s)
	var parts []string
	if strings.Contains(s, ":") {
		parts = strings.Split(s, ":")
	} else {
		parts = strings.Fields(s)
	}
	var tags []string
	for _, t := range parts {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// finishFileNode applies the title and filetags directives to the file node
// once the whole document has been read.
func (p *parser) finishFileNode() {
	if p.file == nil {
		return
	}
	p.file.Title = p.doc.Title
	if p.file.Title == "" {
		base := filepath.Base(p.path)
		p.file.Title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	p.file.Tags = p.doc.FileTags
}

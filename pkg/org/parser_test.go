package org

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `:PROPERTIES:
:ID: n1
:END:
#+title: A
#+filetags: :alpha:beta:

Intro paragraph linking [[id:n9][elsewhere]].

* H :t:
:PROPERTIES:
:ID: n2
:END:
Body with [[id:n1][self]].

$$a^2 + b^2 = c^2$$

** Plain subheading
More text for n2.

* Second :u:v:
:PROPERTIES:
:ID: n3
:END:
#+begin_src go
fmt.Println("hi")
#+end_src
`

func TestParseSampleDoc(t *testing.T) {
	doc, err := Parse("a.org", []byte(sampleDoc))
	require.NoError(t, err)
	require.Empty(t, doc.Warnings)

	require.Len(t, doc.Nodes, 3)

	file := doc.FileNode()
	require.NotNil(t, file)
	assert.Equal(t, "n1", file.ID)
	assert.Equal(t, "A", file.Title)
	assert.Equal(t, []string{"alpha", "beta"}, file.Tags)
	assert.Equal(t, "", file.ParentID)
	assert.Equal(t, 0, file.Level)
	assert.Equal(t, []Link{{Target: "n9", Display: "elsewhere"}}, file.Links)

	n2 := doc.NodeByID("n2")
	require.NotNil(t, n2)
	assert.Equal(t, "H", n2.Title)
	assert.Equal(t, []string{"t"}, n2.Tags)
	assert.Equal(t, "n1", n2.ParentID)
	assert.Equal(t, 1, n2.Level)
	assert.Equal(t, []Link{{Target: "n1", Display: "self"}}, n2.Links)
	require.Len(t, n2.Latex, 1)
	assert.Equal(t, "$$a^2 + b^2 = c^2$$", n2.Latex[0])

	// The plain subheading stays part of n2's body.
	var headings []Heading
	for _, b := range n2.Body {
		if h, ok := b.(Heading); ok {
			headings = append(headings, h)
		}
	}
	require.Len(t, headings, 1)
	assert.Equal(t, "Plain subheading", headings[0].Title)
	assert.Equal(t, 2, headings[0].Level)

	n3 := doc.NodeByID("n3")
	require.NotNil(t, n3)
	assert.Equal(t, []string{"u", "v"}, n3.Tags)
	assert.Equal(t, "n1", n3.ParentID)
	var srcs []SrcBlock
	for _, b := range n3.Body {
		if s, ok := b.(SrcBlock); ok {
			srcs = append(srcs, s)
		}
	}
	require.Len(t, srcs, 1)
	assert.Equal(t, "go", srcs[0].Lang)
	assert.Equal(t, `fmt.Println("hi")`, srcs[0].Code)
}

func TestParseSpans(t *testing.T) {
	src := []byte(sampleDoc)
	doc, err := Parse("a.org", src)
	require.NoError(t, err)

	file := doc.FileNode()
	assert.Equal(t, Span{Start: 0, End: len(src)}, file.Span)

	n2 := doc.NodeByID("n2")
	n3 := doc.NodeByID("n3")
	// n2's subtree ends where n3's heading begins.
	assert.Equal(t, n3.Span.Start, n2.Span.End)
	assert.True(t, strings.HasPrefix(string(src[n2.Span.Start:]), "* H :t:"))
	assert.Equal(t, len(src), n3.Span.End)
}

func TestParseTable(t *testing.T) {
	cases := []struct {
		name      string
		input     string
		wantNodes int
		wantWarns int
		check     func(t *testing.T, doc *Document)
	}{
		{
			name:      "empty document",
			input:     "",
			wantNodes: 0,
		},
		{
			name:      "front matter only",
			input:     ":PROPERTIES:\n:ID: solo\n:END:\n#+title: Solo\n",
			wantNodes: 1,
			check: func(t *testing.T, doc *Document) {
				n := doc.FileNode()
				require.NotNil(t, n)
				assert.Equal(t, "solo", n.ID)
				assert.Equal(t, "Solo", n.Title)
				assert.Empty(t, n.Links)
			},
		},
		{
			name:      "no file id but heading node",
			input:     "#+title: T\n* H\n:PROPERTIES:\n:ID: h1\n:END:\nbody\n",
			wantNodes: 1,
			check: func(t *testing.T, doc *Document) {
				require.Nil(t, doc.FileNode())
				n := doc.NodeByID("h1")
				require.NotNil(t, n)
				assert.Equal(t, "", n.ParentID)
			},
		},
		{
			name:      "links outside any node are discarded",
			input:     "some text [[id:n5]]\n* H\nmore [[id:n6]]\n",
			wantNodes: 0,
		},
		{
			name:      "crlf line endings",
			input:     ":PROPERTIES:\r\n:ID: w1\r\n:END:\r\n#+title: Win\r\n",
			wantNodes: 1,
			check: func(t *testing.T, doc *Document) {
				assert.Equal(t, "Win", doc.FileNode().Title)
			},
		},
		{
			name:      "unterminated drawer is a warning",
			input:     ":PROPERTIES:\n:ID: x\ntext without end\n",
			wantNodes: 0,
			wantWarns: 1,
		},
		{
			name:      "title fallback to file name",
			input:     ":PROPERTIES:\n:ID: f\n:END:\nbody\n",
			wantNodes: 1,
			check: func(t *testing.T, doc *Document) {
				assert.Equal(t, "a", doc.FileNode().Title)
			},
		},
		{
			name:      "case insensitive id key",
			input:     ":properties:\n:id: lower\n:end:\n",
			wantNodes: 1,
			check: func(t *testing.T, doc *Document) {
				assert.Equal(t, "lower", doc.FileNode().ID)
			},
		},
		{
			name: "nested heading nodes chain parents",
			input: ":PROPERTIES:\n:ID: root\n:END:\n" +
				"* A\n:PROPERTIES:\n:ID: a\n:END:\n" +
				"** B\n:PROPERTIES:\n:ID: b\n:END:\n" +
				"* C\n:PROPERTIES:\n:ID: c\n:END:\n",
			wantNodes: 4,
			check: func(t *testing.T, doc *Document) {
				assert.Equal(t, "root", doc.NodeByID("a").ParentID)
				assert.Equal(t, "a", doc.NodeByID("b").ParentID)
				assert.Equal(t, "root", doc.NodeByID("c").ParentID)
			},
		},
		{
			name:      "bare link form",
			input:     ":PROPERTIES:\n:ID: n\n:END:\nsee [[id:other]]\n",
			wantNodes: 1,
			check: func(t *testing.T, doc *Document) {
				require.Equal(t, []Link{{Target: "other"}}, doc.FileNode().Links)
			},
		},
		{
			name:      "unterminated src block",
			input:     ":PROPERTIES:\n:ID: n\n:END:\n#+begin_src sh\necho hi\n",
			wantNodes: 1,
			wantWarns: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := Parse("a.org", []byte(tc.input))
			require.NoError(t, err)
			assert.Len(t, doc.Nodes, tc.wantNodes)
			assert.Len(t, doc.Warnings, tc.wantWarns)
			if tc.check != nil {
				tc.check(t, doc)
			}
		})
	}
}

func TestParseDuplicateIDFatal(t *testing.T) {
	input := ":PROPERTIES:\n:ID: dup\n:END:\n" +
		"* H\n:PROPERTIES:\n:ID: dup\n:END:\n"
	doc, err := Parse("a.org", []byte(input))
	require.Nil(t, doc)
	require.ErrorIs(t, err, ErrParseFatal)

	var dupErr *DuplicateIDError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "dup", dupErr.ID)
}

func TestParseLatexForms(t *testing.T) {
	input := ":PROPERTIES:\n:ID: m\n:END:\n" +
		"$$\nx = 1\n$$\n\n" +
		"\\[ y = 2 \\]\n\n" +
		"\\begin{align}\nz &= 3\n\\end{align}\n\n" +
		"\\begin{tikzpicture}\n\\draw (0,0);\n\\end{tikzpicture}\n\n" +
		"\\begin{itemize}\nnot math\n\\end{itemize}\n"
	doc, err := Parse("a.org", []byte(input))
	require.NoError(t, err)

	n := doc.FileNode()
	require.Len(t, n.Latex, 4)
	assert.Equal(t, "$$\nx = 1\n$$", n.Latex[0])
	assert.Equal(t, `\[ y = 2 \]`, n.Latex[1])
	assert.Equal(t, "\\begin{align}\nz &= 3\n\\end{align}", n.Latex[2])
	assert.Contains(t, n.Latex[3], "tikzpicture")

	// Block indices mirror document order.
	var indices []int
	for _, b := range n.Body {
		if lb, ok := b.(LatexBlock); ok {
			indices = append(indices, lb.Index)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3}, indices)
}

func TestParseCustomBlock(t *testing.T) {
	input := ":PROPERTIES:\n:ID: n\n:END:\n" +
		"#+begin_warning\nwatch [[id:x][out]]\n\n$$e=mc^2$$\n#+end_warning\n"
	doc, err := Parse("a.org", []byte(input))
	require.NoError(t, err)

	n := doc.FileNode()
	var custom *CustomBlock
	for _, b := range n.Body {
		if cb, ok := b.(CustomBlock); ok {
			custom = &cb
			break
		}
	}
	require.NotNil(t, custom)
	assert.Equal(t, "warning", custom.Keyword)

	// The link and LaTeX inside the block belong to the owning node.
	assert.Equal(t, []Link{{Target: "x", Display: "out"}}, n.Links)
	require.Len(t, n.Latex, 1)
	assert.Equal(t, "$$e=mc^2$$", n.Latex[0])
}

func TestParseIsPure(t *testing.T) {
	src := []byte(sampleDoc)
	a, err := Parse("a.org", src)
	require.NoError(t, err)
	b, err := Parse("a.org", src)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

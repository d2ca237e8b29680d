package memory

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// Highlights returns the most recent "##" section of a memory document as
// "<heading>: <body>", whitespace-collapsed and cut to max runes. It returns
// "" when the document has no level-2 heading.
func Highlights(doc string, max int) string {
	src := []byte(doc)
	root := markdown.Parser().Parse(text.NewReader(src))

	var last *ast.Heading
	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok && h.Level == 2 {
			last = h
		}
	}
	if last == nil {
		return ""
	}

	title := strings.TrimSpace(blockText(last, src))
	var body []string
	for n := last.NextSibling(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok && h.Level <= 2 {
			break
		}
		if t := strings.TrimSpace(blockText(n, src)); t != "" {
			body = append(body, t)
		}
	}

	out := title
	if len(body) > 0 {
		out += ": " + strings.Join(strings.Fields(strings.Join(body, " ")), " ")
	}
	if r := []rune(out); max > 0 && len(r) > max {
		out = string(r[:max]) + "…"
	}
	return out
}

// blockText concatenates the source lines of n's text-bearing blocks.
func blockText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || node.Type() != ast.TypeBlock {
			return ast.WalkContinue, nil
		}
		lines := node.Lines()
		if lines == nil || lines.Len() == 0 {
			return ast.WalkContinue, nil
		}
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(src))
			b.WriteByte(' ')
		}
		return ast.WalkSkipChildren, nil
	})
	return b.String()
}

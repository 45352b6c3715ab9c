package text

import (
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var markdownParser = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		extension.Strikethrough,
	),
)

// ExtractPlain strips markdown structure from source and returns the plain
// text, with block boundaries collapsed to single spaces. Code blocks are
// kept verbatim; link destinations and image URLs are dropped.
func ExtractPlain(source string) string {
	src := []byte(source)
	doc := markdownParser.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.CodeBlock:
			writeLines(&b, node, src)
		case *ast.FencedCodeBlock:
			writeLines(&b, node, src)
		case *ast.Image:
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			b.Write(node.Label(src))
		}
		// Separate sibling blocks so headings do not glue onto paragraphs.
		if n.Type() == ast.TypeBlock && b.Len() > 0 && !strings.HasSuffix(b.String(), " ") {
			b.WriteByte(' ')
		}
		return ast.WalkContinue, nil
	})

	return strings.Join(strings.Fields(b.String()), " ")
}

func writeLines(b *strings.Builder, n ast.Node, src []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
		b.WriteByte(' ')
	}
}

// WordCount counts whitespace-delimited words in the plain text of source.
func WordCount(source string) int {
	return len(strings.Fields(ExtractPlain(source)))
}

// IsBlank reports whether source has no analyzable content: empty, or only
// whitespace and markdown punctuation.
func IsBlank(source string) bool {
	plain := ExtractPlain(source)
	for _, r := range plain {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Truncate limits source to at most max runes, cutting at a word boundary
// where one exists near the limit.
func Truncate(source string, max int) string {
	if max <= 0 {
		return source
	}
	runes := []rune(source)
	if len(runes) <= max {
		return source
	}
	cut := string(runes[:max])
	if idx := strings.LastIndexFunc(cut, unicode.IsSpace); idx > max/2 {
		cut = cut[:idx]
	}
	return strings.TrimRightFunc(cut, unicode.IsSpace)
}

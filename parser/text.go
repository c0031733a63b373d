package parser

import (
	"context"
	"html"
	"io"
	"regexp"
	"strings"

	"github.com/poiesic/docingest/core"
)

const readBlock = 32 * 1024

// readText streams r into a string in fixed-size blocks, checking ctx
// between blocks.
func readText(ctx context.Context, r io.Reader) (string, error) {
	var sb strings.Builder
	buf := make([]byte, readBlock)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := r.Read(buf)
		sb.Write(buf[:n])
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
	}
}

// PlainText reads text files as-is.
type PlainText struct{}

func (PlainText) Format() core.Format { return core.FormatPlainText }

func (PlainText) Parse(ctx context.Context, r io.Reader) (string, error) {
	return readText(ctx, r)
}

// Markdown removes markup while keeping the prose and code text.
type Markdown struct{}

var (
	mdFence      = regexp.MustCompile("(?m)^\\s*(```|~~~).*$")
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdBlockquote = regexp.MustCompile(`(?m)^>\s?`)
	mdRule       = regexp.MustCompile(`(?m)^\s*([-*_]\s*){3,}$`)
	mdBullet     = regexp.MustCompile(`(?m)^(\s*)[-*+]\s+`)
	mdEmphasis   = regexp.MustCompile(`\*{1,2}([^*\n]+)\*{1,2}`)
	mdInlineCode = regexp.MustCompile("`([^`\n]+)`")
	mdComment    = regexp.MustCompile(`(?s)<!--.*?-->`)
	blankRuns    = regexp.MustCompile(`\n{3,}`)
)

func (Markdown) Format() core.Format { return core.FormatMarkdown }

func (Markdown) Parse(ctx context.Context, r io.Reader) (string, error) {
	content, err := readText(ctx, r)
	if err != nil {
		return "", err
	}
	return stripMarkdown(content), nil
}

func stripMarkdown(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = mdComment.ReplaceAllString(content, "")
	content = mdFence.ReplaceAllString(content, "")
	content = mdImage.ReplaceAllString(content, "$1")
	content = mdLink.ReplaceAllString(content, "$1")
	content = mdHeading.ReplaceAllString(content, "")
	content = mdBlockquote.ReplaceAllString(content, "")
	content = mdRule.ReplaceAllString(content, "")
	content = mdBullet.ReplaceAllString(content, "$1")
	content = mdEmphasis.ReplaceAllString(content, "$1")
	content = mdInlineCode.ReplaceAllString(content, "$1")
	content = blankRuns.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

// HTML strips tags, scripts and styles, keeping block structure as
// paragraph breaks.
type HTML struct{}

var (
	htmlScript     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	htmlStyle      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	htmlNoscript   = regexp.MustCompile(`(?is)<noscript[^>]*>.*?</noscript>`)
	htmlHead       = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	htmlSVG        = regexp.MustCompile(`(?is)<svg[^>]*>.*?</svg>`)
	htmlComment    = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlBlockOpen  = regexp.MustCompile(`(?i)<(p|div|h[1-6]|li|tr|blockquote|pre|table|section|article|header|footer)[^>]*>`)
	htmlBlockClose = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|blockquote|pre|table|section|article|header|footer)>`)
	htmlBreak      = regexp.MustCompile(`(?i)<(br|hr)\s*/?>`)
	htmlTag        = regexp.MustCompile(`<[^>]+>`)
	spaceRuns      = regexp.MustCompile(`[ \t]+`)
)

func (HTML) Format() core.Format { return core.FormatHTML }

func (HTML) Parse(ctx context.Context, r io.Reader) (string, error) {
	content, err := readText(ctx, r)
	if err != nil {
		return "", err
	}
	return stripHTML(content), nil
}

func stripHTML(content string) string {
	content = htmlScript.ReplaceAllString(content, "")
	content = htmlStyle.ReplaceAllString(content, "")
	content = htmlNoscript.ReplaceAllString(content, "")
	content = htmlHead.ReplaceAllString(content, "")
	content = htmlSVG.ReplaceAllString(content, "")
	content = htmlComment.ReplaceAllString(content, "")

	content = htmlBlockOpen.ReplaceAllString(content, "\n\n")
	content = htmlBlockClose.ReplaceAllString(content, "\n\n")
	content = htmlBreak.ReplaceAllString(content, "\n")
	content = htmlTag.ReplaceAllString(content, "")
	content = html.UnescapeString(content)
	content = spaceRuns.ReplaceAllString(content, " ")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	content = strings.Join(lines, "\n")
	content = blankRuns.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

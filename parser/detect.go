package parser

import (
	"bytes"
	"fmt"
	"net/http"
	"path"
	"slices"
	"strings"

	"github.com/poiesic/docingest/core"
)

// SniffLen is how many leading bytes Detect inspects.
const SniffLen = 512

var (
	pdfMagic = []byte("%PDF-")
	zipMagic = []byte("PK\x03\x04")
)

var extensionFormats = map[string]core.Format{
	".txt":      core.FormatPlainText,
	".text":     core.FormatPlainText,
	".log":      core.FormatPlainText,
	".md":       core.FormatMarkdown,
	".markdown": core.FormatMarkdown,
	".htm":      core.FormatHTML,
	".html":     core.FormatHTML,
	".xhtml":    core.FormatHTML,
	".docx":     core.FormatDOCX,
	".pdf":      core.FormatPDF,
}

// Detect returns the single format a document is parsed as. A declared
// format wins; otherwise the extension of name and the leading bytes in
// head decide. Anything else fails with ReasonUnsupportedFormat.
func Detect(declared core.Format, name string, head []byte) (core.Format, error) {
	if declared != core.FormatUnknown {
		if !slices.Contains(core.KnownFormats, declared) {
			return core.FormatUnknown, fail(ReasonUnsupportedFormat, declared, nil)
		}
		return declared, nil
	}

	ext := strings.ToLower(path.Ext(name))
	byExt, known := extensionFormats[ext]

	switch {
	case bytes.HasPrefix(head, pdfMagic):
		return core.FormatPDF, nil
	case bytes.HasPrefix(head, zipMagic):
		// other zip containers (xlsx, pptx, plain archives) are not documents we read
		if byExt == core.FormatDOCX {
			return core.FormatDOCX, nil
		}
		return core.FormatUnknown, fail(ReasonUnsupportedFormat, core.FormatUnknown,
			fmt.Errorf("zip container %q is not a docx file", name))
	case known:
		return byExt, nil
	}

	if len(head) == 0 {
		return core.FormatUnknown, fail(ReasonUnsupportedFormat, core.FormatUnknown,
			fmt.Errorf("cannot detect format of %q", name))
	}
	mime := http.DetectContentType(head)
	switch {
	case strings.HasPrefix(mime, "text/html"):
		return core.FormatHTML, nil
	case strings.HasPrefix(mime, "text/plain"):
		return core.FormatPlainText, nil
	}
	return core.FormatUnknown, fail(ReasonUnsupportedFormat, core.FormatUnknown,
		fmt.Errorf("content type %s", mime))
}

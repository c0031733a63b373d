package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/poiesic/docingest/core"
)

var disableConfigDir sync.Once

var errNoUnicode = errors.New("font has no unicode mapping")

// PDF extracts the text shown on each page of a PDF file. Pages are
// separated by blank lines.
//
// pdfcpu validates the file structure; text is decoded through each
// font's encoding by ledongthuc/pdf. Pages set in composite fonts that
// carry no ToUnicode map are reported as unreadable.
type PDF struct {
	// TempDir is where the file is spooled. Empty uses os.TempDir.
	TempDir string
}

func (*PDF) Format() core.Format { return core.FormatPDF }

func (p *PDF) Parse(ctx context.Context, r io.Reader) (string, error) {
	f, size, cleanup, err := spool(ctx, p.TempDir, r)
	if err != nil {
		return "", err
	}
	defer cleanup()

	head := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, pdfMagic) {
		return "", fail(ReasonCorrupted, core.FormatPDF, fmt.Errorf("missing %q header", pdfMagic))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pdfCtx, err := api.ReadContext(f, conf)
	if err != nil {
		return "", pdfFailure(err)
	}
	if err := api.ValidateContext(pdfCtx); err != nil {
		return "", pdfFailure(err)
	}
	if err := pdfCtx.EnsurePageCount(); err != nil {
		return "", pdfFailure(err)
	}

	doc, err := openPDFText(f, size)
	if err != nil {
		return "", pdfFailure(err)
	}

	var sb strings.Builder
	for n := 1; n <= pdfCtx.PageCount; n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := pageText(doc, n)
		if err != nil {
			return "", err
		}
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}

// openPDFText opens the text reader. The library panics on some
// malformed inputs that pdfcpu tolerates in relaxed mode.
func openPDFText(f io.ReaderAt, size int64) (doc *pdf.Reader, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, fmt.Errorf("read pdf: %v", r)
		}
	}()
	return pdf.NewReader(f, size)
}

func pageText(doc *pdf.Reader, n int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fail(ReasonCorrupted, core.FormatPDF, fmt.Errorf("page %d: %v", n, r))
		}
	}()

	page := doc.Page(n)
	if page.V.IsNull() {
		return "", nil
	}
	fonts := make(map[string]*pdf.Font)
	for _, name := range page.Fonts() {
		font := page.Font(name)
		if err := checkDecodable(font); err != nil {
			return "", fail(ReasonUnreadable, core.FormatPDF, fmt.Errorf("page %d: font %s: %w", n, name, err))
		}
		fonts[name] = &font
	}
	raw, err := page.GetPlainText(fonts)
	if err != nil {
		return "", fail(ReasonCorrupted, core.FormatPDF, fmt.Errorf("page %d: %w", n, err))
	}
	return strings.TrimSpace(raw), nil
}

// checkDecodable rejects composite fonts whose codes cannot be mapped to
// Unicode. Their strings hold glyph ids, and decoding them as bytes
// yields plausible looking but wrong text.
func checkDecodable(font pdf.Font) error {
	if font.V.Key("Subtype").Name() != "Type0" {
		return nil
	}
	enc := font.V.Key("Encoding")
	if enc.Kind() != pdf.Name || enc.Name() != "Identity-H" {
		return fmt.Errorf("%w: unsupported cmap %s", errNoUnicode, enc.String())
	}
	if font.V.Key("ToUnicode").Kind() != pdf.Stream {
		return errNoUnicode
	}
	return nil
}

// pdfFailure treats password protection as unreadable and any other
// structural error as corruption.
func pdfFailure(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "password") || strings.Contains(msg, "encrypt") {
		return fail(ReasonUnreadable, core.FormatPDF, err)
	}
	return fail(ReasonCorrupted, core.FormatPDF, err)
}

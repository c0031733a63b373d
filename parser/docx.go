package parser

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/poiesic/docingest/core"
)

const docxBody = "word/document.xml"

// DOCX extracts paragraph text from Office Open XML word documents.
type DOCX struct {
	// TempDir is where the archive is spooled. Empty uses os.TempDir.
	TempDir string
}

func (*DOCX) Format() core.Format { return core.FormatDOCX }

func (d *DOCX) Parse(ctx context.Context, r io.Reader) (string, error) {
	f, size, cleanup, err := spool(ctx, d.TempDir, r)
	if err != nil {
		return "", err
	}
	defer cleanup()

	archive, err := zip.NewReader(f, size)
	if err != nil {
		return "", fail(ReasonCorrupted, core.FormatDOCX, err)
	}

	for _, file := range archive.File {
		if file.Name != docxBody {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fail(ReasonCorrupted, core.FormatDOCX, err)
		}
		defer rc.Close()
		return decodeDocumentXML(ctx, rc)
	}
	return "", fail(ReasonCorrupted, core.FormatDOCX, fmt.Errorf("missing %s", docxBody))
}

// decodeDocumentXML walks the WordprocessingML token stream. Paragraphs
// become blank-line separated blocks; tabs and breaks are kept.
func decodeDocumentXML(ctx context.Context, r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		sb        strings.Builder
		para      strings.Builder
		inText    bool
		paragraph int
	)

	flush := func() {
		text := strings.TrimSpace(para.String())
		para.Reset()
		if text == "" {
			return
		}
		if paragraph > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(text)
		paragraph++
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fail(ReasonCorrupted, core.FormatDOCX, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				flush()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	flush()
	return sb.String(), nil
}

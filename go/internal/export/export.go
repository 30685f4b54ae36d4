// Package export renders canvas snapshots to shareable formats: the plain
// text form the terminal tools print, and a typeset PDF.
package export

import (
	"fmt"
	"io"

	"github.com/jung-kurt/gofpdf"

	"github.com/newsch/collascii-go/go/internal/models"
)

// WriteText writes the snapshot as plain rows, every row ended with a
// newline.
func WriteText(w io.Writer, snap models.CanvasSnapshot) error {
	for _, row := range snap.Rows() {
		if _, err := fmt.Fprintln(w, row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	return nil
}

const (
	pdfMarginMM   = 10.0
	pdfMaxFontPt  = 12.0
	ptToMM        = 0.3528
	courierAspect = 0.6 // glyph width relative to font size
)

// WritePDF typesets the snapshot in Courier, sized down until the widest
// row fits the page. Tall canvases flow onto additional pages.
func WritePDF(w io.Writer, snap models.CanvasSnapshot) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pageW, _ := pdf.GetPageSize()
	usable := pageW - 2*pdfMarginMM

	size := pdfMaxFontPt
	if snap.Width > 0 {
		if fit := usable / (float64(snap.Width) * courierAspect * ptToMM); fit < size {
			size = fit
		}
	}
	lineH := size * ptToMM

	pdf.SetMargins(pdfMarginMM, pdfMarginMM, pdfMarginMM)
	pdf.AddPage()
	pdf.SetFont("Courier", "", size)

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	for _, row := range snap.Rows() {
		pdf.CellFormat(0, lineH, tr(row), "", 1, "L", false, 0, "")
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("failed to render pdf: %w", err)
	}
	return nil
}

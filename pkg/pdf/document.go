// Package pdf assembles captured dashboard screenshots into PDF documents.
package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"os"
	"path/filepath"

	"github.com/jung-kurt/gofpdf"
)

// ErrEmptyDocument is returned when serializing a document without pages
var ErrEmptyDocument = errors.New("document has no pages")

// Document is an ordered sequence of screenshot pages.
// Each page is sized to its image at 72 dpi, one pixel per point.
type Document struct {
	pdf   *gofpdf.Fpdf
	pages []PageSize
	done  bool
}

// PageSize is a page's size in points
type PageSize struct {
	Width  float64
	Height float64
}

// NewDocument creates an empty document
func NewDocument() *Document {
	f := gofpdf.NewCustom(&gofpdf.InitType{UnitStr: "pt"})
	f.SetMargins(0, 0, 0)
	f.SetAutoPageBreak(false, 0)
	f.SetCreator("chartio-reports", true)
	return &Document{pdf: f}
}

// AddScreenshot appends a page holding the encoded image (PNG or JPEG).
// Transparency is flattened onto white since PDF pages here carry no alpha.
func (d *Document) AddScreenshot(img []byte) error {
	if d.done {
		return errors.New("document already serialized")
	}

	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return fmt.Errorf("failed to decode screenshot: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, flatten(decoded)); err != nil {
		return fmt.Errorf("failed to re-encode screenshot: %w", err)
	}

	bounds := decoded.Bounds()
	size := PageSize{Width: float64(bounds.Dx()), Height: float64(bounds.Dy())}
	if size.Width == 0 || size.Height == 0 {
		return fmt.Errorf("screenshot is empty (%dx%d)", bounds.Dx(), bounds.Dy())
	}

	name := fmt.Sprintf("page-%d", len(d.pages)+1)
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	d.pdf.RegisterImageOptionsReader(name, opts, &buf)
	d.pdf.AddPageFormat("P", gofpdf.SizeType{Wd: size.Width, Ht: size.Height})
	d.pdf.ImageOptions(name, 0, 0, size.Width, size.Height, false, opts, 0, "")
	if err := d.pdf.Error(); err != nil {
		return fmt.Errorf("failed to add page: %w", err)
	}

	d.pages = append(d.pages, size)
	return nil
}

// Pages returns the number of pages added so far
func (d *Document) Pages() int {
	return len(d.pages)
}

// PageSizes returns page sizes in document order
func (d *Document) PageSizes() []PageSize {
	return append([]PageSize(nil), d.pages...)
}

// Bytes serializes the document. It can only be called once.
func (d *Document) Bytes() ([]byte, error) {
	if len(d.pages) == 0 {
		return nil, ErrEmptyDocument
	}
	if d.done {
		return nil, errors.New("document already serialized")
	}
	d.done = true

	var buf bytes.Buffer
	if err := d.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

// SinglePage converts one screenshot into a one-page PDF
func SinglePage(img []byte) ([]byte, error) {
	doc := NewDocument()
	if err := doc.AddScreenshot(img); err != nil {
		return nil, err
	}
	return doc.Bytes()
}

// WriteFile writes PDF bytes to path, creating parent directories
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0644)
}

// flatten draws img over an opaque white background
func flatten(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Over)
	return dst
}

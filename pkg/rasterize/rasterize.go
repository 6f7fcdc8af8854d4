// pkg/rasterize/rasterize.go
package rasterize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"net/http"
	"os"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const pdfMagic = "%PDF-"

// ErrInvalidFormat: the input is not a parseable PDF.
var ErrInvalidFormat = errors.New("not a parseable PDF")

// Page is one rendered page of a document, encoded and ready to upload.
type Page struct {
	Number int
	Data   []byte
	Format string
	Width  int
	Height int
}

type Options struct {
	DPI           float64
	Quality       int // JPEG quality, 1-100
	Format        string
	WatermarkText string
}

type Service struct {
	opts Options
}

func NewService(opts Options) (*Service, error) {
	if opts.DPI <= 0 {
		opts.DPI = 150
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		return nil, fmt.Errorf("quality must be between 1 and 100, got %d", opts.Quality)
	}
	if opts.Format == "" {
		opts.Format = "jpeg"
	}
	if opts.Format != "jpeg" && opts.Format != "png" {
		return nil, fmt.Errorf("unsupported output format %q", opts.Format)
	}
	return &Service{opts: opts}, nil
}

func (s *Service) Format() string { return s.opts.Format }

func (s *Service) Ext() string {
	if s.opts.Format == "jpeg" {
		return "jpg"
	}
	return s.opts.Format
}

// ValidatePDF checks that the file at path looks like a PDF before handing
// it to the renderer.
func ValidatePDF(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open file: %w", err)
	}
	defer file.Close()

	buffer := make([]byte, 512)
	n, err := file.Read(buffer)
	if err != nil {
		return fmt.Errorf("cannot read file: %w", err)
	}
	buffer = buffer[:n]

	if http.DetectContentType(buffer) == "application/pdf" {
		return nil
	}
	if bytes.HasPrefix(buffer, []byte(pdfMagic)) {
		return nil
	}
	return fmt.Errorf("%w: file does not start with %s", ErrInvalidFormat, pdfMagic)
}

// PageCount reports the number of pages without rendering anything.
func (s *Service) PageCount(pdfPath string) (int, error) {
	if err := ValidatePDF(pdfPath); err != nil {
		return 0, err
	}
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}

// RenderAll rasterizes every page of the PDF at pdfPath. On a mid-document
// failure the pages rendered so far are returned alongside the error so the
// caller can keep them.
func (s *Service) RenderAll(ctx context.Context, pdfPath string) ([]Page, error) {
	if err := ValidatePDF(pdfPath); err != nil {
		return nil, err
	}

	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, fmt.Errorf("%w: PDF has no pages", ErrInvalidFormat)
	}

	pages := make([]Page, 0, pageCount)
	for pageNum := 0; pageNum < pageCount; pageNum++ {
		select {
		case <-ctx.Done():
			return pages, ctx.Err()
		default:
		}

		img, err := doc.ImageDPI(pageNum, s.opts.DPI)
		if err != nil {
			return pages, fmt.Errorf("failed to render page %d: %w", pageNum+1, err)
		}

		out := image.Image(img)
		if s.opts.WatermarkText != "" {
			out = stampWatermark(img, s.opts.WatermarkText)
		}

		data, err := s.encode(out)
		if err != nil {
			return pages, fmt.Errorf("failed to encode page %d: %w", pageNum+1, err)
		}

		bounds := out.Bounds()
		pages = append(pages, Page{
			Number: pageNum + 1,
			Data:   data,
			Format: s.opts.Format,
			Width:  bounds.Dx(),
			Height: bounds.Dy(),
		})
	}
	return pages, nil
}

func (s *Service) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	switch s.opts.Format {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	default:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.opts.Quality}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// stampWatermark lays the text diagonally across the page in a translucent
// gray, the way the study-room viewer marks served pages.
func stampWatermark(src image.Image, text string) image.Image {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	face := basicfont.Face7x13
	col := image.NewUniform(color.RGBA{R: 128, G: 128, B: 128, A: 96})
	step := 160

	for y := bounds.Min.Y + step; y < bounds.Max.Y; y += step {
		// shift x with y for a diagonal lattice
		xOffset := (y / step) * 40 % step
		for x := bounds.Min.X + xOffset; x < bounds.Max.X; x += step * 2 {
			d := font.Drawer{
				Dst:  dst,
				Src:  col,
				Face: face,
				Dot:  fixed.P(x, y),
			}
			d.DrawString(text)
		}
	}
	return dst
}

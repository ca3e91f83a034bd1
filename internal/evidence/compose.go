package evidence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"gasguard/internal/detect"
)

const (
	DefaultWidth   = 800
	DefaultQuality = 95

	lineHeight = 16
	padding    = 8
)

// Bundle is everything the composer needs from a finished session.
type Bundle struct {
	SessionID   string
	Person      string
	Capture     CaptureKind
	Face        image.Image
	Posters     []image.Image
	ViewedPages []int
	Signature   image.Image
	PPE         detect.PPEStatus
	CreatedAt   time.Time
}

type ComposeOptions struct {
	Width    int
	Quality  int
	PPEPanel bool
	Footer   bool
	Location *time.Location
}

func DefaultComposeOptions() ComposeOptions {
	return ComposeOptions{Width: DefaultWidth, Quality: DefaultQuality, PPEPanel: true, Footer: true}
}

type Composite struct {
	Image *image.RGBA
	// StampHash is the digest printed in the footer: the pixels above it.
	StampHash string
	// ImageHash covers every pixel, footer included.
	ImageHash string
}

// Compose stacks face, posters and signature at a common width, puts the
// PPE panel on top and the hash footer at the bottom.
func Compose(b Bundle, opts ComposeOptions) (*Composite, error) {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	var parts []image.Image
	if b.Face != nil {
		parts = append(parts, b.Face)
	}
	parts = append(parts, b.Posters...)
	if b.Signature != nil {
		parts = append(parts, b.Signature)
	}
	if len(parts) == 0 {
		return nil, errors.New("nothing to compose")
	}

	scaled := make([]image.Image, 0, len(parts))
	body := 0
	for _, p := range parts {
		s := scaleToWidth(p, opts.Width)
		scaled = append(scaled, s)
		body += s.Bounds().Dy()
	}
	panel := 0
	if opts.PPEPanel {
		panel = ppePanelHeight()
	}
	footer := 0
	if opts.Footer {
		footer = footerHeight
	}

	canvas := image.NewRGBA(image.Rect(0, 0, opts.Width, panel+body+footer))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)
	y := panel
	for _, s := range scaled {
		r := s.Bounds()
		draw.Draw(canvas, image.Rect(0, y, opts.Width, y+r.Dy()), s, r.Min, draw.Over)
		y += r.Dy()
	}
	if opts.PPEPanel {
		drawPPEPanel(canvas, image.Rect(0, 0, opts.Width, panel), b.PPE)
	}

	out := &Composite{Image: canvas}
	out.StampHash = HashRGB(canvas.SubImage(image.Rect(0, 0, opts.Width, panel+body)))
	if opts.Footer {
		created := b.CreatedAt
		if opts.Location != nil {
			created = created.In(opts.Location)
		}
		drawFooter(canvas, image.Rect(0, panel+body, opts.Width, panel+body+footer), created, out.StampHash)
	}
	out.ImageHash = HashRGB(canvas)
	return out, nil
}

// EncodeJPEG encodes the composite at the given quality.
func (c *Composite) EncodeJPEG(quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, c.Image, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func scaleToWidth(src image.Image, width int) image.Image {
	r := src.Bounds()
	if r.Dx() == width || r.Dx() == 0 {
		return src
	}
	h := (r.Dy()*width + r.Dx()/2) / r.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, r, draw.Src, nil)
	return dst
}

// RGBBytes packs the image as 8-bit RGB rows, alpha dropped.
func RGBBytes(img image.Image) []byte {
	r := img.Bounds()
	out := make([]byte, 0, r.Dx()*r.Dy()*3)
	if rgba, ok := img.(*image.RGBA); ok {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			row := rgba.Pix[rgba.PixOffset(r.Min.X, y):rgba.PixOffset(r.Max.X, y)]
			for i := 0; i < len(row); i += 4 {
				out = append(out, row[i], row[i+1], row[i+2])
			}
		}
		return out
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			out = append(out, c.R, c.G, c.B)
		}
	}
	return out
}

func HashRGB(img image.Image) string {
	sum := sha256.Sum256(RGBBytes(img))
	return hex.EncodeToString(sum[:])
}

var (
	ink   = image.NewUniform(color.RGBA{0x20, 0x20, 0x20, 0xff})
	green = image.NewUniform(color.RGBA{0x1b, 0x8a, 0x2f, 0xff})
	red   = image.NewUniform(color.RGBA{0xc6, 0x28, 0x28, 0xff})
	band  = image.NewUniform(color.RGBA{0xf2, 0xf2, 0xf2, 0xff})
)

const footerHeight = 2*lineHeight + 2*padding

func ppePanelHeight() int {
	return (len(detect.PPEClasses)+1)*lineHeight + 2*padding
}

func drawPPEPanel(dst *image.RGBA, r image.Rectangle, status detect.PPEStatus) {
	draw.Draw(dst, r, band, image.Point{}, draw.Src)
	y := r.Min.Y + padding + lineHeight - 3
	drawText(dst, ink, r.Min.X+padding, y, "PPE STATUS")
	for _, c := range detect.PPEClasses {
		y += lineHeight
		item := status[c]
		text, col := fmt.Sprintf("%-8s NOT WORN", c), red
		if item.Worn {
			text, col = fmt.Sprintf("%-8s WORN", c), green
			if item.Color != nil && *item.Color != "" {
				text += " (" + *item.Color + ")"
			}
			if item.Count != nil {
				text += fmt.Sprintf(" x%d", *item.Count)
			}
		}
		drawText(dst, col, r.Min.X+padding, y, strings.ToUpper(text[:1])+text[1:])
	}
}

func drawFooter(dst *image.RGBA, r image.Rectangle, created time.Time, stamp string) {
	draw.Draw(dst, r, band, image.Point{}, draw.Src)
	y := r.Min.Y + padding + lineHeight - 3
	drawText(dst, ink, r.Min.X+padding, y, "Captured: "+created.Format("2006-01-02 15:04:05"))
	drawText(dst, ink, r.Min.X+padding, y+lineHeight, "SHA256: "+stamp)
}

func drawText(dst *image.RGBA, src image.Image, x, y int, s string) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  src,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

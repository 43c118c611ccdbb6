// Package codec decodes origin bytes, applies a transform plan and encodes
// the result.
package codec

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"log/slog"

	"github.com/lucasb-eyer/go-colorful"
	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/l0p7/pixgate/internal/runtime/failure"
	"github.com/l0p7/pixgate/internal/runtime/planner"
)

const (
	defaultMaxPixels = 1 << 24
	chromaGrid       = 16
)

// Source is a decoded origin image together with the metadata the planner
// classifies on.
type Source struct {
	Image    image.Image
	Metadata planner.Metadata
}

// Output is an encoded transform result.
type Output struct {
	Body        []byte
	ContentType string
	Format      planner.Format
	Width       int
	Height      int
}

// ImageCodec is the pixel boundary of the proxy.
type ImageCodec interface {
	Decode(ctx context.Context, data []byte) (Source, error)
	Encode(ctx context.Context, src Source, plan planner.Plan) (Output, error)
}

type Config struct {
	MaxPixels int
	Logger    *slog.Logger
}

// Codec implements ImageCodec with imaging, bild and the gen2brain encoders.
type Codec struct {
	maxPixels int
	logger    *slog.Logger
}

var _ ImageCodec = (*Codec)(nil)

func New(cfg Config) *Codec {
	maxPixels := cfg.MaxPixels
	if maxPixels <= 0 {
		maxPixels = defaultMaxPixels
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{maxPixels: maxPixels, logger: logger.With(slog.String("agent", "image_codec"))}
}

// Decode reads the header first so oversized images are refused before any
// pixel buffer is allocated.
func (c *Codec) Decode(ctx context.Context, data []byte) (Source, error) {
	if err := ctx.Err(); err != nil {
		return Source{}, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Source{}, failure.Wrap(failure.KindTransformFailed, "source image could not be decoded", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Source{}, failure.New(failure.KindTransformFailed, "source image has no pixels")
	}
	if cfg.Width*cfg.Height > c.maxPixels {
		return Source{}, failure.Newf(failure.KindTransformFailed, "source image %dx%d exceeds the pixel limit", cfg.Width, cfg.Height)
	}

	img, name, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Source{}, failure.Wrap(failure.KindTransformFailed, "source image could not be decoded", err)
	}
	return Source{Image: img, Metadata: describe(img, name)}, nil
}

// Encode applies plan to src. When encoding fails on an unusual pixel layout
// the image is normalised through a PNG round trip and encoded once more.
func (c *Codec) Encode(ctx context.Context, src Source, plan planner.Plan) (Output, error) {
	out, err := c.encode(ctx, src.Image, plan)
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Output{}, ctxErr
	}

	c.logger.Debug("encode failed, retrying through png intermediate",
		slog.String("format", string(plan.Encode.Format)),
		slog.String("error", err.Error()))

	normalised, nerr := pngRoundTrip(src.Image)
	if nerr != nil {
		return Output{}, failure.Wrap(failure.KindTransformFailed, "image could not be transformed", err)
	}
	out, err = c.encode(ctx, normalised, plan)
	if err != nil {
		return Output{}, failure.Wrap(failure.KindTransformFailed, "image could not be transformed", err)
	}
	return out, nil
}

func (c *Codec) encode(ctx context.Context, img image.Image, plan planner.Plan) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	img = applyResize(img, plan.Resize)
	img = applyModulate(img, plan.Modulate)
	img = applySharpen(img, plan.Sharpen)
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	body, err := encodeImage(img, plan.Encode)
	if err != nil {
		return Output{}, err
	}
	bounds := img.Bounds()
	return Output{
		Body:        body,
		ContentType: plan.Encode.Format.ContentType(),
		Format:      plan.Encode.Format,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
	}, nil
}

func pngRoundTrip(img image.Image) (image.Image, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("codec: png intermediate: %w", err)
	}
	out, err := png.Decode(&buf)
	if err != nil {
		return nil, fmt.Errorf("codec: png intermediate decode: %w", err)
	}
	return out, nil
}

func describe(img image.Image, name string) planner.Metadata {
	bounds := img.Bounds()
	_, paletted := img.(*image.Paletted)
	return planner.Metadata{
		Format:     planner.Format(name),
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		HasAlpha:   !isOpaque(img),
		Paletted:   paletted,
		MeanChroma: meanChroma(img),
	}
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return true
}

// meanChroma averages HCL chroma over a coarse sample grid.
func meanChroma(img image.Image) float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	stepX := max(1, w/chromaGrid)
	stepY := max(1, h/chromaGrid)

	var total float64
	var samples int
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			col, ok := colorful.MakeColor(img.At(x, y))
			if !ok {
				// Fully transparent pixels carry no chroma.
				continue
			}
			_, chroma, _ := col.Hcl()
			total += chroma
			samples++
		}
	}
	if samples == 0 {
		return 0
	}
	return total / float64(samples)
}

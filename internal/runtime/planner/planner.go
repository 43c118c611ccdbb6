package planner

import (
	"math"
)

// Metadata describes a decoded source image.
type Metadata struct {
	Format     Format
	Width      int
	Height     int
	HasAlpha   bool
	Paletted   bool
	MeanChroma float64
}

// Kernel selects the resampling filter.
type Kernel string

const (
	KernelLanczos3 Kernel = "lanczos3"
	KernelMitchell Kernel = "mitchell"
)

// Class is the content classification driving every heuristic below.
type Class string

const (
	ClassPhoto Class = "photo"
	ClassText  Class = "text"
)

type Resize struct {
	Width  int
	Height int
	Kernel Kernel
	Fit    Fit
}

type Sharpen struct {
	Sigma  float64
	Flat   float64
	Jagged float64
}

type Modulate struct {
	Brightness float64
	Saturation float64
}

// EncodeOptions carries format-specific encoder knobs. Effort is on a 0-9
// scale; the codec maps it onto each encoder's own range.
type EncodeOptions struct {
	Effort            int
	Lossless          bool
	ChromaSubsampling string
	CompressionLevel  int
}

type Encode struct {
	Format  Format
	Quality int
	Options EncodeOptions
}

// Plan is pure data derived from a request and source metadata.
type Plan struct {
	Class       Class
	Small       bool
	Passthrough bool
	Resize      *Resize
	Sharpen     *Sharpen
	Modulate    *Modulate
	Encode      Encode
}

// Config holds the deployment-level heuristics.
type Config struct {
	DefaultFormat   Format
	TextAspectRatio float64
	SmallThreshold  int
	AlwaysSharpen   bool
	AlwaysOptimize  bool
	AutoMaxWidth    int
}

// Planner turns requests into transform plans. It holds no mutable state.
type Planner struct {
	cfg Config
}

func New(cfg Config) *Planner {
	if cfg.DefaultFormat == "" {
		cfg.DefaultFormat = FormatWebP
	}
	if cfg.TextAspectRatio < 1 {
		cfg.TextAspectRatio = 2.0
	}
	if cfg.SmallThreshold <= 0 {
		cfg.SmallThreshold = 300
	}
	return &Planner{cfg: cfg}
}

// Config returns the effective planner configuration.
func (p *Planner) Config() Config { return p.cfg }

// Passthrough reports whether the original bytes can be returned untouched.
// It depends only on the request so the caller can skip decoding entirely.
func (p *Planner) Passthrough(req TransformRequest) bool {
	return !req.HasTransform() && !p.cfg.AlwaysOptimize && !p.cfg.AlwaysSharpen
}

// Plan derives a TransformPlan. Identical inputs always yield an identical
// plan.
func (p *Planner) Plan(req TransformRequest, meta Metadata) Plan {
	if p.Passthrough(req) {
		return Plan{Passthrough: true, Encode: Encode{Format: meta.Format}}
	}

	class := p.classify(req, meta)
	small := meta.Width < p.cfg.SmallThreshold || meta.Height < p.cfg.SmallThreshold

	plan := Plan{
		Class:  class,
		Small:  small,
		Resize: p.resize(req, meta, class),
	}
	if req.SharpenRequested() || p.cfg.AlwaysSharpen {
		level := req.SharpenLevel
		if level == "" {
			level = LevelMedium
		}
		profile := sharpenProfile(class, level, small)
		plan.Sharpen = &profile
	}
	if class == ClassText && meta.MeanChroma < lowChroma && !meta.HasAlpha {
		plan.Modulate = &Modulate{Brightness: 1, Saturation: 0}
	}

	format := p.outputFormat(req, meta)
	plan.Encode = Encode{
		Format:  format,
		Quality: clampQuality(format, qualityFor(req, class)),
		Options: encodeOptions(format, class, meta),
	}
	return plan
}

// classify marks content text-like on an explicit hint, a lossless or
// palette source, or an aspect ratio beyond the configured threshold.
func (p *Planner) classify(req TransformRequest, meta Metadata) Class {
	if req.TextRequested() {
		return ClassText
	}
	switch meta.Format {
	case FormatPNG, FormatGIF, FormatBMP:
		return ClassText
	}
	if meta.Paletted {
		return ClassText
	}
	if meta.Width > 0 && meta.Height > 0 {
		w, h := float64(meta.Width), float64(meta.Height)
		if math.Max(w/h, h/w) > p.cfg.TextAspectRatio {
			return ClassText
		}
	}
	return ClassPhoto
}

func (p *Planner) resize(req TransformRequest, meta Metadata, class Class) *Resize {
	if meta.Width <= 0 || meta.Height <= 0 {
		return nil
	}
	width, height := req.Width, req.Height
	fit := req.Fit
	if fit == "" {
		fit = FitInside
	}

	if width == 0 && height == 0 {
		if !p.cfg.AlwaysOptimize || p.cfg.AutoMaxWidth <= 0 || meta.Width <= p.cfg.AutoMaxWidth {
			return nil
		}
		width = p.cfg.AutoMaxWidth
		fit = FitInside
	}

	sw, sh := float64(meta.Width), float64(meta.Height)
	if width == 0 {
		width = max(1, int(math.Round(float64(height)*sw/sh)))
	}
	if height == 0 {
		height = max(1, int(math.Round(float64(width)*sh/sw)))
	}

	// Never magnify past the source.
	if width > meta.Width && height > meta.Height {
		width, height = meta.Width, meta.Height
	}
	width = min(width, meta.Width)
	height = min(height, meta.Height)

	kernel := KernelMitchell
	if class == ClassText {
		kernel = KernelLanczos3
	}
	return &Resize{Width: width, Height: height, Kernel: kernel, Fit: fit}
}

func (p *Planner) outputFormat(req TransformRequest, meta Metadata) Format {
	if req.Format != "" {
		return req.Format
	}
	if p.cfg.DefaultFormat == FormatSource {
		if meta.Format.Encodable() {
			return meta.Format
		}
		return FormatWebP
	}
	return p.cfg.DefaultFormat
}

package planner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func photoMeta() Metadata {
	return Metadata{Format: FormatJPEG, Width: 1200, Height: 800, MeanChroma: 0.3}
}

func boolPtr(v bool) *bool { return &v }

func TestPlanIsDeterministic(t *testing.T) {
	p := New(Config{})
	req := TransformRequest{SourceURL: "https://x/a.jpg", Width: 400, Format: FormatWebP, Sharpen: boolPtr(true), SharpenLevel: LevelHigh}
	first := p.Plan(req, photoMeta())
	for i := 0; i < 10; i++ {
		require.Equal(t, first, p.Plan(req, photoMeta()))
	}
}

func TestPlanPassthroughWithoutParams(t *testing.T) {
	p := New(Config{})
	req := TransformRequest{SourceURL: "https://x/a.jpg"}
	require.True(t, p.Passthrough(req))
	plan := p.Plan(req, photoMeta())
	require.True(t, plan.Passthrough)
	require.Nil(t, plan.Resize)

	require.False(t, New(Config{AlwaysOptimize: true}).Passthrough(req))
}

func TestPlanResizePreservesAspect(t *testing.T) {
	p := New(Config{})
	plan := p.Plan(TransformRequest{Width: 400}, photoMeta())
	require.NotNil(t, plan.Resize)
	require.Equal(t, 400, plan.Resize.Width)
	require.Equal(t, 267, plan.Resize.Height)
	require.Equal(t, FitInside, plan.Resize.Fit)
	require.Equal(t, KernelMitchell, plan.Resize.Kernel)

	plan = p.Plan(TransformRequest{Height: 200, Fit: FitCover}, photoMeta())
	require.Equal(t, 300, plan.Resize.Width)
	require.Equal(t, 200, plan.Resize.Height)
	require.Equal(t, FitCover, plan.Resize.Fit)
}

func TestPlanNeverEnlarges(t *testing.T) {
	p := New(Config{})
	plan := p.Plan(TransformRequest{Width: 4000}, photoMeta())
	require.Equal(t, 1200, plan.Resize.Width)
	require.Equal(t, 800, plan.Resize.Height)

	plan = p.Plan(TransformRequest{Width: 2000, Height: 100}, photoMeta())
	require.Equal(t, 1200, plan.Resize.Width)
	require.Equal(t, 100, plan.Resize.Height)
}

func TestPlanNoResizeWithoutDimensions(t *testing.T) {
	plan := New(Config{}).Plan(TransformRequest{Format: FormatPNG}, photoMeta())
	require.Nil(t, plan.Resize)
}

func TestPlanAlwaysOptimizeDownscalesWideImages(t *testing.T) {
	p := New(Config{AlwaysOptimize: true, AutoMaxWidth: 1920})
	plan := p.Plan(TransformRequest{}, Metadata{Format: FormatJPEG, Width: 3840, Height: 2160})
	require.False(t, plan.Passthrough)
	require.Equal(t, &Resize{Width: 1920, Height: 1080, Kernel: KernelMitchell, Fit: FitInside}, plan.Resize)

	plan = p.Plan(TransformRequest{}, photoMeta())
	require.Nil(t, plan.Resize)
	require.Equal(t, FormatWebP, plan.Encode.Format)
}

func TestClassification(t *testing.T) {
	p := New(Config{TextAspectRatio: 2})
	require.Equal(t, ClassPhoto, p.Plan(TransformRequest{Width: 10}, photoMeta()).Class)
	require.Equal(t, ClassText, p.Plan(TransformRequest{Width: 10, TextHint: boolPtr(true)}, photoMeta()).Class)
	require.Equal(t, ClassText, p.Plan(TransformRequest{Width: 10}, Metadata{Format: FormatPNG, Width: 800, Height: 800}).Class)
	require.Equal(t, ClassText, p.Plan(TransformRequest{Width: 10}, Metadata{Format: FormatJPEG, Width: 800, Height: 800, Paletted: true}).Class)
	require.Equal(t, ClassText, p.Plan(TransformRequest{Width: 10}, Metadata{Format: FormatJPEG, Width: 500, Height: 2000}).Class)
	require.Equal(t, ClassPhoto, p.Plan(TransformRequest{Width: 10}, Metadata{Format: FormatJPEG, Width: 1000, Height: 500}).Class)
}

func TestTextResizeUsesLanczos(t *testing.T) {
	plan := New(Config{}).Plan(TransformRequest{Width: 100}, Metadata{Format: FormatPNG, Width: 800, Height: 600})
	require.Equal(t, KernelLanczos3, plan.Resize.Kernel)
}

func TestSharpenProfiles(t *testing.T) {
	p := New(Config{})
	sharpen := func(level Level, meta Metadata, text bool) *Sharpen {
		req := TransformRequest{Sharpen: boolPtr(true), SharpenLevel: level, TextHint: boolPtr(text)}
		return p.Plan(req, meta).Sharpen
	}

	require.Equal(t, &Sharpen{Sigma: 0.5, Flat: 0.5, Jagged: 0.2}, sharpen(LevelLow, photoMeta(), false))
	require.Equal(t, &Sharpen{Sigma: 0.8, Flat: 0.8, Jagged: 0.4}, sharpen(LevelMedium, photoMeta(), false))
	require.Equal(t, &Sharpen{Sigma: 1.2, Flat: 1.0, Jagged: 0.6}, sharpen(LevelHigh, photoMeta(), false))

	small := Metadata{Format: FormatJPEG, Width: 200, Height: 150}
	require.Equal(t, &Sharpen{Sigma: 0.84, Flat: 0.7, Jagged: 0.42}, sharpen(LevelHigh, small, false))

	require.Equal(t, &Sharpen{Sigma: 0.35, Flat: 0.35, Jagged: 0.12}, sharpen(LevelHigh, photoMeta(), true))
	require.Equal(t, &Sharpen{Sigma: 0.25, Flat: 0.35, Jagged: 0.12}, sharpen(LevelHigh, small, true))
}

func TestSharpenOnlyWhenRequested(t *testing.T) {
	require.Nil(t, New(Config{}).Plan(TransformRequest{Width: 100}, photoMeta()).Sharpen)

	plan := New(Config{AlwaysSharpen: true}).Plan(TransformRequest{Width: 100}, photoMeta())
	require.Equal(t, &Sharpen{Sigma: 0.8, Flat: 0.8, Jagged: 0.4}, plan.Sharpen)
}

func TestQualityDefaultsAndClamps(t *testing.T) {
	p := New(Config{})
	require.Equal(t, 75, p.Plan(TransformRequest{Width: 100}, photoMeta()).Encode.Quality)
	require.Equal(t, 85, p.Plan(TransformRequest{Width: 100, TextHint: boolPtr(true)}, photoMeta()).Encode.Quality)
	require.Equal(t, 30, p.Plan(TransformRequest{Quality: 30, TextHint: boolPtr(true)}, photoMeta()).Encode.Quality)

	require.Equal(t, 85, p.Plan(TransformRequest{Quality: 100, Format: FormatJPEG}, photoMeta()).Encode.Quality)
	require.Equal(t, 90, p.Plan(TransformRequest{Quality: 100, Format: FormatPNG}, photoMeta()).Encode.Quality)
	require.Equal(t, 80, p.Plan(TransformRequest{Quality: 100, Format: FormatAVIF}, photoMeta()).Encode.Quality)
	require.Equal(t, 85, p.Plan(TransformRequest{Quality: 100, Format: FormatWebP}, photoMeta()).Encode.Quality)
}

func TestOutputFormatDefaults(t *testing.T) {
	require.Equal(t, FormatWebP, New(Config{}).Plan(TransformRequest{Width: 10}, photoMeta()).Encode.Format)

	source := New(Config{DefaultFormat: FormatSource})
	require.Equal(t, FormatJPEG, source.Plan(TransformRequest{Width: 10}, photoMeta()).Encode.Format)
	require.Equal(t, FormatWebP, source.Plan(TransformRequest{Width: 10}, Metadata{Format: FormatGIF, Width: 50, Height: 50}).Encode.Format)
}

func TestModulateGrayscaleText(t *testing.T) {
	p := New(Config{})
	gray := Metadata{Format: FormatPNG, Width: 800, Height: 600, MeanChroma: 0.01}
	require.Equal(t, &Modulate{Brightness: 1, Saturation: 0}, p.Plan(TransformRequest{Width: 100}, gray).Modulate)

	colorful := gray
	colorful.MeanChroma = 0.4
	require.Nil(t, p.Plan(TransformRequest{Width: 100}, colorful).Modulate)
	require.Nil(t, p.Plan(TransformRequest{Width: 100}, Metadata{Format: FormatJPEG, Width: 800, Height: 600}).Modulate)
}

func TestEncodeOptions(t *testing.T) {
	p := New(Config{})
	avifText := p.Plan(TransformRequest{Format: FormatAVIF, TextHint: boolPtr(true)}, photoMeta())
	require.Equal(t, "4:4:4", avifText.Encode.Options.ChromaSubsampling)
	avifPhoto := p.Plan(TransformRequest{Format: FormatAVIF}, photoMeta())
	require.Equal(t, "4:2:0", avifPhoto.Encode.Options.ChromaSubsampling)
	png := p.Plan(TransformRequest{Format: FormatPNG}, photoMeta())
	require.Equal(t, 9, png.Encode.Options.CompressionLevel)
}

package codec

import (
	"image"
	"image/color"
	"math"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"

	"github.com/l0p7/pixgate/internal/runtime/planner"
)

func resampleFilter(kernel planner.Kernel) imaging.ResampleFilter {
	if kernel == planner.KernelLanczos3 {
		return imaging.Lanczos
	}
	return imaging.MitchellNetravali
}

func applyResize(img image.Image, opts *planner.Resize) image.Image {
	if opts == nil || opts.Width <= 0 || opts.Height <= 0 {
		return img
	}
	filter := resampleFilter(opts.Kernel)
	bounds := img.Bounds()
	sw, sh := bounds.Dx(), bounds.Dy()

	switch opts.Fit {
	case planner.FitCover:
		return imaging.Fill(img, opts.Width, opts.Height, imaging.Center, filter)
	case planner.FitFill:
		return imaging.Resize(img, opts.Width, opts.Height, filter)
	case planner.FitContain:
		fitted := imaging.Fit(img, opts.Width, opts.Height, filter)
		canvas := imaging.New(opts.Width, opts.Height, color.NRGBA{})
		return imaging.PasteCenter(canvas, fitted)
	case planner.FitOutside:
		scale := math.Max(float64(opts.Width)/float64(sw), float64(opts.Height)/float64(sh))
		if scale >= 1 {
			return img
		}
		w := max(1, int(math.Round(float64(sw)*scale)))
		h := max(1, int(math.Round(float64(sh)*scale)))
		return imaging.Resize(img, w, h, filter)
	default:
		return imaging.Fit(img, opts.Width, opts.Height, filter)
	}
}

func applyModulate(img image.Image, opts *planner.Modulate) image.Image {
	if opts == nil {
		return img
	}
	if opts.Saturation != 1 {
		img = adjust.Saturation(img, opts.Saturation-1)
	}
	if opts.Brightness != 1 {
		img = adjust.Brightness(img, opts.Brightness-1)
	}
	return img
}

// applySharpen runs an unsharp mask. bild exposes a single strength so the
// flat-area amount drives it.
func applySharpen(img image.Image, opts *planner.Sharpen) image.Image {
	if opts == nil || opts.Sigma <= 0 || opts.Flat <= 0 {
		return img
	}
	return effect.UnsharpMask(img, opts.Sigma, opts.Flat)
}

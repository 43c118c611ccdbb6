package planner

import "math"

const (
	photoQuality = 75
	textQuality  = 85

	// smallScale softens photographic sharpening on small bitmaps.
	smallScale = 0.7

	// lowChroma is the HCL chroma below which text content is treated as
	// grayscale.
	lowChroma = 0.05
)

var photoProfiles = map[Level]Sharpen{
	LevelLow:    {Sigma: 0.5, Flat: 0.5, Jagged: 0.2},
	LevelMedium: {Sigma: 0.8, Flat: 0.8, Jagged: 0.4},
	LevelHigh:   {Sigma: 1.2, Flat: 1.0, Jagged: 0.6},
}

// maxQuality caps quality per output format.
var maxQuality = map[Format]int{
	FormatJPEG: 85,
	FormatPNG:  90,
	FormatAVIF: 80,
	FormatWebP: 85,
}

func sharpenProfile(class Class, level Level, small bool) Sharpen {
	if class == ClassText {
		sigma := 0.35
		if small {
			sigma = 0.25
		}
		return Sharpen{Sigma: sigma, Flat: 0.35, Jagged: 0.12}
	}
	profile, ok := photoProfiles[level]
	if !ok {
		profile = photoProfiles[LevelMedium]
	}
	if small {
		profile = Sharpen{
			Sigma:  round3(profile.Sigma * smallScale),
			Flat:   round3(profile.Flat * smallScale),
			Jagged: round3(profile.Jagged * smallScale),
		}
	}
	return profile
}

func qualityFor(req TransformRequest, class Class) int {
	if req.Quality > 0 {
		return req.Quality
	}
	if class == ClassText {
		return textQuality
	}
	return photoQuality
}

func clampQuality(format Format, quality int) int {
	if quality < 1 {
		quality = 1
	}
	if ceiling, ok := maxQuality[format]; ok && quality > ceiling {
		return ceiling
	}
	return quality
}

func encodeOptions(format Format, class Class, meta Metadata) EncodeOptions {
	switch format {
	case FormatWebP:
		opts := EncodeOptions{Effort: 4}
		if class == ClassText {
			opts.Effort = 6
			opts.Lossless = meta.Paletted
		}
		return opts
	case FormatAVIF:
		opts := EncodeOptions{Effort: 4, ChromaSubsampling: "4:2:0"}
		if class == ClassText {
			opts.ChromaSubsampling = "4:4:4"
		}
		return opts
	case FormatPNG:
		return EncodeOptions{CompressionLevel: 9}
	default:
		return EncodeOptions{}
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"

	"github.com/l0p7/pixgate/internal/runtime/planner"
)

func encodeImage(img image.Image, target planner.Encode) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch target.Format {
	case planner.FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: target.Quality})
	case planner.FormatPNG:
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		if target.Options.CompressionLevel >= 9 {
			enc.CompressionLevel = png.BestCompression
		}
		err = enc.Encode(&buf, img)
	case planner.FormatAVIF:
		err = avif.Encode(&buf, img, avif.Options{
			Quality:           target.Quality,
			QualityAlpha:      target.Quality,
			Speed:             10 - clampEffort(target.Options.Effort, 10),
			ChromaSubsampling: subsampleRatio(target.Options.ChromaSubsampling),
		})
	case planner.FormatWebP:
		err = webp.Encode(&buf, img, webp.Options{
			Quality:  target.Quality,
			Lossless: target.Options.Lossless,
			Method:   clampEffort(target.Options.Effort, 6),
		})
	default:
		return nil, fmt.Errorf("codec: unsupported output format %q", target.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", target.Format, err)
	}
	return buf.Bytes(), nil
}

func clampEffort(effort, ceiling int) int {
	return min(max(effort, 0), ceiling)
}

func subsampleRatio(value string) image.YCbCrSubsampleRatio {
	switch value {
	case "4:4:4":
		return image.YCbCrSubsampleRatio444
	case "4:2:2":
		return image.YCbCrSubsampleRatio422
	default:
		return image.YCbCrSubsampleRatio420
	}
}

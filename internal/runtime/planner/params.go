package planner

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/l0p7/pixgate/internal/runtime/failure"
)

const maxDimension = 10000

// Fit mirrors the resize box semantics of the codec.
type Fit string

const (
	FitContain Fit = "contain"
	FitCover   Fit = "cover"
	FitFill    Fit = "fill"
	FitInside  Fit = "inside"
	FitOutside Fit = "outside"
)

// Format names both source and output encodings.
type Format string

const (
	FormatWebP Format = "webp"
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatAVIF Format = "avif"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"

	// FormatSource asks the planner to keep the source encoding.
	FormatSource Format = "source"
)

// Encodable reports whether the codec can produce f.
func (f Format) Encodable() bool {
	switch f {
	case FormatWebP, FormatJPEG, FormatPNG, FormatAVIF:
		return true
	default:
		return false
	}
}

// ContentType returns the MIME type for an output format.
func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatAVIF:
		return "image/avif"
	case FormatGIF:
		return "image/gif"
	case FormatBMP:
		return "image/bmp"
	default:
		return "image/webp"
	}
}

type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// TransformRequest is the validated, immutable view of the caller's query.
// Zero values and nil pointers mean the parameter was not supplied.
type TransformRequest struct {
	SourceURL    string
	Width        int
	Height       int
	Quality      int
	Fit          Fit
	Format       Format
	Sharpen      *bool
	SharpenLevel Level
	TextHint     *bool
}

// HasTransform reports whether the caller asked for anything beyond the
// original bytes.
func (r TransformRequest) HasTransform() bool {
	return r.Width > 0 || r.Height > 0 || r.Quality > 0 || r.Format != "" || r.SharpenRequested()
}

func (r TransformRequest) SharpenRequested() bool {
	return r.Sharpen != nil && *r.Sharpen
}

func (r TransformRequest) TextRequested() bool {
	return r.TextHint != nil && *r.TextHint
}

type rawParams struct {
	URL     string `validate:"required"`
	Width   *int   `validate:"omitempty,min=1,max=10000"`
	Height  *int   `validate:"omitempty,min=1,max=10000"`
	Quality *int   `validate:"omitempty,min=1,max=100"`
	Fit     string `validate:"omitempty,oneof=contain cover fill inside outside"`
	Format  string `validate:"omitempty,oneof=webp jpeg png avif"`
	Sharpen string `validate:"omitempty,oneof=true false"`
	Level   string `validate:"omitempty,oneof=low medium high"`
	Text    string `validate:"omitempty,oneof=true false"`
}

var paramValidator = validator.New(validator.WithRequiredStructEnabled())

var fieldMessages = map[string]string{
	"Width":   "w must be a positive integer no greater than 10000",
	"Height":  "h must be a positive integer no greater than 10000",
	"Quality": "q must be between 1 and 100",
	"Fit":     "fit must be one of contain, cover, fill, inside, outside",
	"Format":  "format must be one of webp, jpeg, png, avif",
	"Sharpen": "sharpen must be true or false",
	"Level":   "sharpenLevel must be one of low, medium, high",
	"Text":    "text must be true or false",
}

// ParseRequest reads the query parameters of an image request. It fails
// before any I/O when a value is outside its accepted range or enumeration.
func (p *Planner) ParseRequest(values url.Values) (TransformRequest, error) {
	raw := rawParams{
		URL:     strings.TrimSpace(values.Get("url")),
		Fit:     lowerParam(values, "fit"),
		Format:  lowerParam(values, "format"),
		Sharpen: lowerParam(values, "sharpen", "sharp"),
		Level:   lowerParam(values, "sharpenLevel", "sharpLevel"),
		Text:    lowerParam(values, "text"),
	}
	if raw.URL == "" {
		return TransformRequest{}, failure.New(failure.KindInvalidURL, "url parameter is required")
	}
	if raw.Format == "jpg" {
		raw.Format = string(FormatJPEG)
	}

	var err error
	if raw.Width, err = intParam(values, "w", "Width"); err != nil {
		return TransformRequest{}, err
	}
	if raw.Height, err = intParam(values, "h", "Height"); err != nil {
		return TransformRequest{}, err
	}
	if raw.Quality, err = intParam(values, "q", "Quality"); err != nil {
		return TransformRequest{}, err
	}

	if err := paramValidator.Struct(raw); err != nil {
		return TransformRequest{}, validationFailure(err)
	}

	req := TransformRequest{
		SourceURL:    raw.URL,
		Fit:          Fit(raw.Fit),
		Format:       Format(raw.Format),
		SharpenLevel: Level(raw.Level),
		Sharpen:      boolParam(raw.Sharpen),
		TextHint:     boolParam(raw.Text),
	}
	if raw.Width != nil {
		req.Width = *raw.Width
	}
	if raw.Height != nil {
		req.Height = *raw.Height
	}
	if raw.Quality != nil {
		req.Quality = *raw.Quality
	}

	if req.SharpenRequested() && req.SharpenLevel == "" {
		if !p.cfg.AlwaysSharpen {
			return TransformRequest{}, failure.New(failure.KindValidation, "sharpenLevel (low, medium, high) is required when sharpen=true")
		}
		req.SharpenLevel = LevelMedium
	}
	return req, nil
}

func lowerParam(values url.Values, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(values.Get(name)); v != "" {
			return strings.ToLower(v)
		}
	}
	return ""
}

func intParam(values url.Values, name, field string) (*int, error) {
	raw := strings.TrimSpace(values.Get(name))
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, failure.Wrap(failure.KindValidation, fieldMessages[field], err)
	}
	return &n, nil
}

func boolParam(raw string) *bool {
	switch raw {
	case "true":
		v := true
		return &v
	case "false":
		v := false
		return &v
	default:
		return nil
	}
}

func validationFailure(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return failure.Wrap(failure.KindValidation, "invalid parameters", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if msg, ok := fieldMessages[fe.Field()]; ok {
			msgs = append(msgs, msg)
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return failure.New(failure.KindValidation, strings.Join(msgs, "; "))
}

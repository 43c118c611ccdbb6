package cache

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/l0p7/pixgate/internal/runtime/planner"
)

// codecVersion is bumped whenever encoder output changes for identical input.
const codecVersion = "c1"

// Flags are the deployment switches that change output bytes for an
// otherwise identical request.
type Flags struct {
	AlwaysOptimize bool
	AlwaysSharpen  bool
	DefaultFormat  string
	AutoMaxWidth   int
}

// Signature serialises every output-affecting input in a fixed order. Unset
// values render as "-" so that an omitted parameter never collides with an
// explicit default.
func Signature(req planner.TransformRequest, flags Flags) string {
	parts := []string{
		codecVersion,
		"url=" + req.SourceURL,
		"w=" + intField(req.Width),
		"h=" + intField(req.Height),
		"q=" + intField(req.Quality),
		"fit=" + stringField(string(req.Fit)),
		"format=" + stringField(string(req.Format)),
		"sharpen=" + boolField(req.Sharpen),
		"level=" + stringField(string(req.SharpenLevel)),
		"text=" + boolField(req.TextHint),
		"optimize=" + strconv.FormatBool(flags.AlwaysOptimize),
		"alwaysSharpen=" + strconv.FormatBool(flags.AlwaysSharpen),
		"default=" + stringField(flags.DefaultFormat),
		"autoMax=" + intField(flags.AutoMaxWidth),
	}
	return strings.Join(parts, "|")
}

// Keys scopes signatures to a namespace and epoch. Bumping the epoch
// invalidates every key written before.
type Keys struct {
	Namespace string
	Epoch     int
}

func (k Keys) Key(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return fmt.Sprintf("%s:%d:%s", k.Namespace, k.Epoch, base64.RawURLEncoding.EncodeToString(sum[:]))
}

func intField(v int) string {
	if v <= 0 {
		return "-"
	}
	return strconv.Itoa(v)
}

func stringField(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func boolField(v *bool) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatBool(*v)
}

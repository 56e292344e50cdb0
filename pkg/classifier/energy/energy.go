// Package energy provides the local, synchronous activity heuristic.
//
// For audio the activity level is the mean absolute deviation of the
// time-domain signal from its baseline, measured on the 8-bit scale used by
// browser analysers (unsigned bytes centred on 128). PCM16 input is scaled
// down to the same range so thresholds are shared between encodings.
//
// For still images the level is the standard deviation of luma. A covered
// lens or a black frame has almost no variation and is classified inactive.
//
// Thresholds are scaled by [classifier.Params.Sensitivity]: the default
// sensitivity of 0.5 applies them unchanged, 1.0 halves them and 0.0
// multiplies them by 1.5.
package energy

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"time"

	"github.com/MrWong99/presencegate/pkg/classifier"
	"github.com/MrWong99/presencegate/pkg/types"
)

// Default thresholds on the 8-bit deviation scale.
const (
	// DefaultSilenceLevel is the level below which a primary audio sample is
	// considered silent.
	DefaultSilenceLevel = 2.0

	// DefaultProbeLevel is the stricter level a secondary probe sample must
	// exceed to count as speech. Probes are taken while the primary track is
	// muted, so they are held to a higher bar to avoid unmuting on noise.
	DefaultProbeLevel = 2.5

	// DefaultImageLevel is the luma standard deviation below which an image
	// is considered blank.
	DefaultImageLevel = 6.0

	// MaxImagePixels caps the declared size of an image frame. Larger frames
	// are rejected before any pixel data is decoded.
	MaxImagePixels = 4096 * 4096
)

// Classifier implements [classifier.Classifier] using signal statistics.
type Classifier struct {
	silence float64
	probe   float64
	image   float64
	now     func() time.Time
}

var _ classifier.Classifier = (*Classifier)(nil)

// Option is a functional option for [New].
type Option func(*Classifier)

// WithSilenceLevel overrides [DefaultSilenceLevel].
func WithSilenceLevel(v float64) Option {
	return func(c *Classifier) {
		if v > 0 {
			c.silence = v
		}
	}
}

// WithProbeLevel overrides [DefaultProbeLevel].
func WithProbeLevel(v float64) Option {
	return func(c *Classifier) {
		if v > 0 {
			c.probe = v
		}
	}
}

// WithImageLevel overrides [DefaultImageLevel].
func WithImageLevel(v float64) Option {
	return func(c *Classifier) {
		if v > 0 {
			c.image = v
		}
	}
}

// WithNow replaces the time source used to stamp classifications.
func WithNow(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// New returns a Classifier with default thresholds.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		silence: DefaultSilenceLevel,
		probe:   DefaultProbeLevel,
		image:   DefaultImageLevel,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify implements [classifier.Classifier]. It never blocks and ignores ctx.
func (c *Classifier) Classify(_ context.Context, s types.Sample, p classifier.Params) (types.Classification, error) {
	level, err := Level(s)
	if err != nil {
		return types.Classification{}, err
	}

	var threshold float64
	switch {
	case s.Encoding.IsImage():
		threshold = c.image
	case s.Probe:
		threshold = c.probe
	default:
		threshold = c.silence
	}
	threshold *= 1.5 - p.EffectiveSensitivity()

	var active bool
	if s.Probe && !s.Encoding.IsImage() {
		active = level > threshold
	} else {
		active = level >= threshold
	}

	return types.Classification{
		Active:     active,
		Confidence: confidence(level, threshold),
		At:         c.now(),
	}, nil
}

// Level returns the activity level of s. See the package documentation for
// the scale of each encoding.
func Level(s types.Sample) (float64, error) {
	if len(s.Data) == 0 {
		return 0, fmt.Errorf("%w: empty payload", classifier.ErrMalformedSample)
	}
	switch s.Encoding {
	case types.EncodingU8:
		return meanDeviationU8(s.Data), nil
	case types.EncodingPCM16:
		if len(s.Data)%2 != 0 {
			return 0, fmt.Errorf("%w: odd pcm16 length %d", classifier.ErrMalformedSample, len(s.Data))
		}
		return meanDeviationPCM16(s.Data), nil
	case types.EncodingJPEG, types.EncodingPNG:
		cfg, _, err := image.DecodeConfig(bytes.NewReader(s.Data))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", classifier.ErrMalformedSample, err)
		}
		if px := int64(cfg.Width) * int64(cfg.Height); px > MaxImagePixels {
			return 0, fmt.Errorf("%w: image %dx%d exceeds %d pixels",
				classifier.ErrMalformedSample, cfg.Width, cfg.Height, MaxImagePixels)
		}
		img, _, err := image.Decode(bytes.NewReader(s.Data))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", classifier.ErrMalformedSample, err)
		}
		return lumaStdDev(img), nil
	default:
		return 0, fmt.Errorf("%w: unsupported encoding %q", classifier.ErrMalformedSample, s.Encoding)
	}
}

func meanDeviationU8(data []byte) float64 {
	var sum int
	for _, b := range data {
		d := int(b) - 128
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return float64(sum) / float64(len(data))
}

// meanDeviationPCM16 maps signed 16-bit samples onto the 8-bit scale by
// dividing by 256 before averaging.
func meanDeviationPCM16(data []byte) float64 {
	n := len(data) / 2
	var sum float64
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[2*i:]))
		sum += math.Abs(float64(v)) / 256
	}
	return sum / float64(n)
}

func lumaStdDev(img image.Image) float64 {
	b := img.Bounds()
	n := float64(b.Dx() * b.Dy())
	if n == 0 {
		return 0
	}
	var sum, sumSq float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// Rec. 601 luma on the 8-bit scale.
			l := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257
			sum += l
			sumSq += l * l
		}
	}
	mean := sum / n
	v := sumSq/n - mean*mean
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}

// confidence grows with the distance from the threshold and saturates at 1.
func confidence(level, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	d := math.Abs(level-threshold) / threshold
	return math.Min(1, d)
}

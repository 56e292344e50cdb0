// Package classifier defines the capability interface that turns one media
// sample into an activity verdict.
//
// Two families of implementations exist:
//
//   - Local heuristics (package energy) compute a scalar activity level from
//     the sample itself. They are synchronous and deterministic.
//   - Remote classifiers (packages openai, anyllm and remote) call an external model.
//     They may be slow, fail or time out; the monitor enforces timeouts and a
//     failure policy around them.
//
// Implementations must be safe for concurrent use.
package classifier

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/presencegate/pkg/types"
)

// ErrMalformedSample is returned when a sample cannot be interpreted, for
// example an odd-length PCM16 buffer or an undecodable image.
var ErrMalformedSample = errors.New("classifier: malformed sample")

// DefaultSensitivity is used when [Params.Sensitivity] is nil.
const DefaultSensitivity = 0.5

// Params tunes a single classification.
type Params struct {
	// Sensitivity is in [0,1]. Higher values classify weaker signals as
	// active. Nil selects [DefaultSensitivity]; zero is a valid setting.
	Sensitivity *float64

	// InactivityThreshold is how long the signal must stay absent before the
	// monitor suppresses the actuator. Remote classifiers forward it to the
	// model as context; local heuristics ignore it.
	InactivityThreshold time.Duration
}

// SensitivityOf returns a pointer suitable for [Params.Sensitivity].
func SensitivityOf(v float64) *float64 { return &v }

// EffectiveSensitivity returns p.Sensitivity clamped to [0,1], substituting
// [DefaultSensitivity] when it is unset.
func (p Params) EffectiveSensitivity() float64 {
	if p.Sensitivity == nil {
		return DefaultSensitivity
	}
	s := *p.Sensitivity
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// Classifier maps a [types.Sample] to a [types.Classification].
type Classifier interface {
	// Classify returns the verdict for s. It must respect ctx cancellation.
	Classify(ctx context.Context, s types.Sample, p Params) (types.Classification, error)
}

// Func adapts an ordinary function to the [Classifier] interface.
type Func func(ctx context.Context, s types.Sample, p Params) (types.Classification, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, s types.Sample, p Params) (types.Classification, error) {
	return f(ctx, s, p)
}

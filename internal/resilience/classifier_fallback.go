package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/presencegate/pkg/classifier"
	"github.com/MrWong99/presencegate/pkg/types"
)

// ClassifierFallback implements [classifier.Classifier] with failover across
// several backends, each behind its own circuit breaker. A failing remote
// model is skipped quickly instead of burning the classify timeout on every
// sample.
type ClassifierFallback struct {
	group *FallbackGroup[classifier.Classifier]
}

var _ classifier.Classifier = (*ClassifierFallback)(nil)

// NewClassifierFallback creates a [ClassifierFallback] with primary as the
// preferred backend.
func NewClassifierFallback(primary classifier.Classifier, primaryName string, cfg FallbackConfig) *ClassifierFallback {
	return &ClassifierFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *ClassifierFallback) AddFallback(name string, c classifier.Classifier) {
	f.group.AddFallback(name, c)
}

// Classify returns the verdict of the first healthy backend that succeeds.
// A malformed sample fails every backend alike, so it is returned at once.
func (f *ClassifierFallback) Classify(ctx context.Context, s types.Sample, p classifier.Params) (types.Classification, error) {
	return ExecuteWithResult(ctx, f.group, func(c classifier.Classifier) (types.Classification, error) {
		v, err := c.Classify(ctx, s, p)
		if errors.Is(err, classifier.ErrMalformedSample) {
			return v, Permanent(err)
		}
		return v, err
	})
}

// States reports the breaker state of every backend.
func (f *ClassifierFallback) States() []EntryState {
	return f.group.States()
}

// Package mock provides a test double for the [classifier.Classifier] interface.
//
// Results are served from a script: each call pops the next entry, and the
// last entry repeats once the script is exhausted. A Gate channel can hold
// calls open to simulate a slow remote model.
//
// Example:
//
//	c := &mock.Classifier{Script: []mock.Result{{Active: true}, {Err: errTimeout}}}
//	got, err := c.Classify(ctx, sample, classifier.Params{})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/presencegate/pkg/classifier"
	"github.com/MrWong99/presencegate/pkg/types"
)

// Result is one scripted response.
type Result struct {
	Active     bool
	Confidence float64
	Err        error
}

// Call records a single invocation of Classify.
type Call struct {
	Sample types.Sample
	Params classifier.Params
}

// Classifier is a mock implementation of [classifier.Classifier].
type Classifier struct {
	mu sync.Mutex

	// Script lists responses in call order. When empty, Classify returns an
	// inactive verdict.
	Script []Result

	// Gate, if non-nil, makes Classify block until a value is received from
	// it or ctx is done.
	Gate chan struct{}

	// IgnoreContext makes a gated call wait for Gate even after ctx is done,
	// like a backend that does not honour cancellation.
	IgnoreContext bool

	// Started, if non-nil, receives a value each time Classify begins.
	Started chan struct{}

	// Calls records every call in order.
	Calls []Call

	next int
}

// Classify implements [classifier.Classifier].
func (c *Classifier) Classify(ctx context.Context, s types.Sample, p classifier.Params) (types.Classification, error) {
	c.mu.Lock()
	c.Calls = append(c.Calls, Call{Sample: s, Params: p})
	var r Result
	if len(c.Script) > 0 {
		idx := c.next
		if idx >= len(c.Script) {
			idx = len(c.Script) - 1
		} else {
			c.next++
		}
		r = c.Script[idx]
	}
	gate, started, deaf := c.Gate, c.Started, c.IgnoreContext
	c.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	switch {
	case gate != nil && deaf:
		<-gate
	case gate != nil:
		select {
		case <-gate:
		case <-ctx.Done():
			return types.Classification{}, ctx.Err()
		}
	}
	if r.Err != nil {
		return types.Classification{}, r.Err
	}
	return types.Classification{Active: r.Active, Confidence: r.Confidence, At: time.Now()}, nil
}

// CallCount returns the number of Classify calls so far.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

var _ classifier.Classifier = (*Classifier)(nil)

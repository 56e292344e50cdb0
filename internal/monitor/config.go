package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/presencegate/pkg/types"
)

// RecheckMode selects how samples are classified.
type RecheckMode string

const (
	// RecheckLocal classifies synchronously on the sampling goroutine with a
	// signal-statistics heuristic. The machine skips the Analyzing state.
	RecheckLocal RecheckMode = "local"

	// RecheckRemote submits samples to an asynchronous classifier with at
	// most one classification in flight.
	RecheckRemote RecheckMode = "remote"
)

// IsValid reports whether m is a known mode.
func (m RecheckMode) IsValid() bool { return m == RecheckLocal || m == RecheckRemote }

// FailurePolicy decides the verdict substituted when a remote classification
// fails or times out.
type FailurePolicy string

const (
	// FailOpen treats a failed classification as active, keeping the
	// actuator enabled.
	FailOpen FailurePolicy = "open"

	// FailClosed treats a failed classification as inactive. Suppression
	// still requires the full inactivity threshold.
	FailClosed FailurePolicy = "closed"
)

// IsValid reports whether p is a known policy.
func (p FailurePolicy) IsValid() bool { return p == FailOpen || p == FailClosed }

// Default sampling parameters.
const (
	DefaultAudioInterval       = 500 * time.Millisecond
	DefaultVideoInterval       = 2000 * time.Millisecond
	DefaultInactivityThreshold = 5 * time.Second
	DefaultClassifyTimeout     = 10 * time.Second
	DefaultSensitivity         = 0.5

	minSampleInterval = 20 * time.Millisecond
	maxSampleInterval = time.Minute
)

// Config is the immutable configuration of one monitor session.
type Config struct {
	// SampleInterval is the period between samples.
	SampleInterval time.Duration

	// InactivityThreshold is how long the signal must stay absent before the
	// actuator is disabled.
	InactivityThreshold time.Duration

	RecheckMode RecheckMode

	// Sensitivity in [0,1] is forwarded to the classifier.
	Sensitivity float64

	// ClassifyTimeout bounds each remote classification. The monitor
	// enforces it locally.
	ClassifyTimeout time.Duration

	FailurePolicy FailurePolicy

	// Probe enables secondary-source probing while suppressed.
	Probe bool

	// Stream classifies every delivered chunk instead of polling the latest
	// sample on SampleInterval.
	Stream bool
}

// DefaultConfig returns the defaults for kind.
func DefaultConfig(kind types.Kind) Config {
	interval := DefaultAudioInterval
	if kind == types.KindVideo {
		interval = DefaultVideoInterval
	}
	return Config{
		SampleInterval:      interval,
		InactivityThreshold: DefaultInactivityThreshold,
		RecheckMode:         RecheckLocal,
		Sensitivity:         DefaultSensitivity,
		ClassifyTimeout:     DefaultClassifyTimeout,
		FailurePolicy:       FailOpen,
		Probe:               kind == types.KindAudio,
	}
}

// WithDefaults fills zero fields of c from base.
func (c Config) WithDefaults(base Config) Config {
	if c.SampleInterval == 0 {
		c.SampleInterval = base.SampleInterval
	}
	if c.InactivityThreshold == 0 {
		c.InactivityThreshold = base.InactivityThreshold
	}
	if c.RecheckMode == "" {
		c.RecheckMode = base.RecheckMode
	}
	if c.Sensitivity == 0 {
		c.Sensitivity = base.Sensitivity
	}
	if c.ClassifyTimeout == 0 {
		c.ClassifyTimeout = base.ClassifyTimeout
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = base.FailurePolicy
	}
	return c
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.SampleInterval < minSampleInterval || c.SampleInterval > maxSampleInterval {
		errs = append(errs, fmt.Errorf("sample interval %s out of range [%s, %s]", c.SampleInterval, minSampleInterval, maxSampleInterval))
	}
	if c.InactivityThreshold <= 0 {
		errs = append(errs, fmt.Errorf("inactivity threshold must be positive, got %s", c.InactivityThreshold))
	}
	if !c.RecheckMode.IsValid() {
		errs = append(errs, fmt.Errorf("unknown recheck mode %q", c.RecheckMode))
	}
	if c.Sensitivity < 0 || c.Sensitivity > 1 {
		errs = append(errs, fmt.Errorf("sensitivity %v out of range [0, 1]", c.Sensitivity))
	}
	if c.RecheckMode == RecheckRemote && c.ClassifyTimeout <= 0 {
		errs = append(errs, errors.New("remote recheck mode requires a positive classify timeout"))
	}
	if !c.FailurePolicy.IsValid() {
		errs = append(errs, fmt.Errorf("unknown failure policy %q", c.FailurePolicy))
	}
	return errors.Join(errs...)
}

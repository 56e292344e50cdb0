// Package media defines the acquisition boundary between presencegate and the
// execution context that physically owns the capture devices.
//
// The two primary abstractions are:
//
//   - [Acquirer] grants exclusive use of the media source for one [types.Kind]
//     and returns a [Resource].
//   - [Resource] is an acquired source that delivers samples, exposes the
//     track's enable flag and reports when the source ends on its own.
//
// An Acquirer may additionally implement [Prober] to take a one-shot sample
// from a transient secondary source without disturbing the primary track.
//
// This package lives under pkg/ because capture bridges outside this module
// are expected to implement [Acquirer] and [Resource].
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/presencegate/pkg/types"
)

// Reason classifies why an acquisition failed.
type Reason string

const (
	// ReasonPermissionDenied means the capture context refused access.
	ReasonPermissionDenied Reason = "permission_denied"

	// ReasonDeviceAbsent means no source of the requested kind exists.
	ReasonDeviceAbsent Reason = "device_absent"

	// ReasonBusy means the source is already held by another owner.
	ReasonBusy Reason = "busy"
)

// AcquisitionError is returned by [Acquirer.Acquire] when a source cannot be
// obtained. It is fatal to the session start that triggered it and is never
// retried by the monitor.
type AcquisitionError struct {
	Kind   types.Kind
	Reason Reason
	Err    error
}

// Error implements error.
func (e *AcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media: acquire %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("media: acquire %s: %s", e.Kind, e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *AcquisitionError) Unwrap() error { return e.Err }

// AsAcquisitionError reports whether err wraps an [AcquisitionError] and
// returns it.
func AsAcquisitionError(err error) (*AcquisitionError, bool) {
	var ae *AcquisitionError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Resource is an exclusively held media source.
//
// A Resource stays valid until [Resource.Release] is called or the source ends.
// Implementations must be safe for concurrent use.
type Resource interface {
	// Kind returns the media target this resource was acquired for.
	Kind() types.Kind

	// Latest returns the most recent sample captured from the source and
	// consumes it. ok is false when nothing new has been captured since the
	// previous call, so a source that goes quiet yields nothing rather than
	// its last frame over and over.
	Latest() (s types.Sample, ok bool)

	// Stream returns a channel delivering every captured sample as it
	// arrives. The channel is buffered; samples are dropped rather than
	// blocking the source when the consumer falls behind. It is closed when
	// the resource is released or ends.
	Stream() <-chan types.Sample

	// SetEnabled toggles the track's enabled flag. This is the actuator.
	SetEnabled(enabled bool) error

	// OnEnded registers fn to be called once when the source ends for any
	// reason other than Release (device unplugged, capture context gone).
	// Registering after the resource has already ended calls fn immediately.
	OnEnded(fn func())

	// Release gives the source back. It returns only after the source can be
	// acquired again. Safe to call multiple times.
	Release() error
}

// Acquirer grants exclusive use of a media source.
type Acquirer interface {
	// Acquire returns the source for kind. Errors are [*AcquisitionError]
	// values unless ctx is cancelled first.
	Acquire(ctx context.Context, kind types.Kind) (Resource, error)
}

// Prober is implemented by an [Acquirer] that can capture a single sample from
// a transient secondary source. The secondary source is opened, sampled once
// and closed again before Probe returns.
type Prober interface {
	Probe(ctx context.Context, kind types.Kind) (types.Sample, error)
}

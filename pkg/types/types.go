// Package types defines the value types shared across all presencegate packages.
//
// These types are the common vocabulary between media feeds, classifiers, the
// monitor state machine and the coordinator. Each package keeps its own
// domain types; only data that crosses package boundaries lives here to avoid
// circular imports.
package types

import (
	"fmt"
	"time"
)

// Kind identifies the logical media target a monitor gates. There is at most
// one live monitor session per kind.
type Kind string

const (
	// KindAudio is the microphone target. Its actuator mutes the audio track.
	KindAudio Kind = "audio"

	// KindVideo is the camera target. Its actuator disables the video track.
	KindVideo Kind = "video"
)

// Kinds returns every supported kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindAudio, KindVideo}
}

// IsValid reports whether k is a recognised kind.
func (k Kind) IsValid() bool {
	return k == KindAudio || k == KindVideo
}

// Encoding describes how the bytes of a [Sample] are laid out.
type Encoding string

const (
	// EncodingU8 is unsigned 8-bit time-domain audio centred on 128.
	EncodingU8 Encoding = "u8"

	// EncodingPCM16 is signed 16-bit little-endian PCM, interleaved when
	// Channels > 1.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingJPEG is a single JPEG-compressed image frame.
	EncodingJPEG Encoding = "jpeg"

	// EncodingPNG is a single PNG-compressed image frame.
	EncodingPNG Encoding = "png"
)

// IsImage reports whether e carries a still image rather than audio.
func (e Encoding) IsImage() bool {
	return e == EncodingJPEG || e == EncodingPNG
}

// Sample is one opaque signal snapshot: an audio buffer or a single image.
// A Sample is produced by a sampler, consumed once by a classifier and then
// discarded.
type Sample struct {
	// Kind is the media target the sample was captured from.
	Kind Kind

	// Encoding describes the layout of Data.
	Encoding Encoding

	// Data is the raw payload.
	Data []byte

	// SampleRate in Hz for audio encodings. Zero for images.
	SampleRate int

	// Channels is the channel count for audio encodings. Zero for images.
	Channels int

	// Probe is true when the sample was captured from a transient secondary
	// source while the primary track was suppressed.
	Probe bool

	// At is the capture time.
	At time.Time
}

// Classification is a boolean activity verdict for one [Sample].
type Classification struct {
	// Active is true when speech or a person was detected.
	Active bool

	// Confidence is in [0,1]. Zero when the classifier does not report one.
	Confidence float64

	// Fallback is true when the verdict was produced by the failure policy
	// because the classifier errored or timed out.
	Fallback bool

	// At is when the verdict was produced.
	At time.Time
}

// MonitorState is the externally visible state of a monitor session.
type MonitorState int

const (
	// StateOff means no session is running.
	StateOff MonitorState = iota

	// StateActive means signal is present and the actuator is enabled.
	StateActive

	// StateAnalyzing means an out-of-band classification is in flight. The
	// actuator keeps whatever value it had.
	StateAnalyzing

	// StateSuppressed means the signal has been absent for at least the
	// inactivity threshold and the actuator is disabled.
	StateSuppressed
)

var stateNames = [...]string{
	StateOff:        "off",
	StateActive:     "active",
	StateAnalyzing:  "analyzing",
	StateSuppressed: "suppressed",
}

// String returns the lowercase wire name of the state.
func (s MonitorState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseMonitorState returns the state whose wire name is name.
func ParseMonitorState(name string) (MonitorState, error) {
	for i, n := range stateNames {
		if n == name {
			return MonitorState(i), nil
		}
	}
	return StateOff, fmt.Errorf("types: unknown monitor state %q", name)
}

// MarshalText implements [encoding.TextMarshaler].
func (s MonitorState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *MonitorState) UnmarshalText(b []byte) error {
	v, err := ParseMonitorState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

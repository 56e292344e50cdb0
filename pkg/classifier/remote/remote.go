// Package remote provides a classifier that delegates to an HTTP service
// speaking a small JSON contract.
//
// Request (POST):
//
//	{
//	  "kind": "audio" | "video",
//	  "data_uri": "data:audio/wav;base64,..." | "data:image/jpeg;base64,...",
//	  "probe": false,
//	  "sensitivity": 0.5,
//	  "inactivity_threshold_seconds": 5
//	}
//
// Response: any one of
//
//	{"active": true, "confidence": 0.9}
//	{"should_mute": false}      // microphone services
//	{"person_detected": true}   // camera services
//
// Non-2xx responses are reported as errors so the caller's failure policy
// applies.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/presencegate/pkg/classifier"
	"github.com/MrWong99/presencegate/pkg/types"
)

// ErrBadResponse is returned when the service answers with a body that
// carries no verdict.
var ErrBadResponse = errors.New("remote: response carries no verdict")

// Classifier implements [classifier.Classifier] over HTTP.
type Classifier struct {
	url    string
	token  string
	client *http.Client
}

var _ classifier.Classifier = (*Classifier)(nil)

// Option is a functional option for [New].
type Option func(*Classifier)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Classifier) { r.client = c }
}

// WithBearerToken adds an Authorization header to every request.
func WithBearerToken(token string) Option {
	return func(r *Classifier) { r.token = token }
}

// New returns a Classifier posting to url.
func New(url string, opts ...Option) (*Classifier, error) {
	if url == "" {
		return nil, fmt.Errorf("remote: url must not be empty")
	}
	c := &Classifier{url: url, client: &http.Client{Timeout: 30 * time.Second}}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type request struct {
	Kind                       types.Kind `json:"kind"`
	DataURI                    string     `json:"data_uri"`
	Probe                      bool       `json:"probe"`
	Sensitivity                float64    `json:"sensitivity"`
	InactivityThresholdSeconds float64    `json:"inactivity_threshold_seconds"`
}

type response struct {
	Active         *bool   `json:"active"`
	Confidence     float64 `json:"confidence"`
	ShouldMute     *bool   `json:"should_mute"`
	PersonDetected *bool   `json:"person_detected"`
}

// Classify implements [classifier.Classifier].
func (c *Classifier) Classify(ctx context.Context, s types.Sample, p classifier.Params) (types.Classification, error) {
	uri, err := encodeSample(s)
	if err != nil {
		return types.Classification{}, err
	}
	body, err := json.Marshal(request{
		Kind:                       s.Kind,
		DataURI:                    uri,
		Probe:                      s.Probe,
		Sensitivity:                p.EffectiveSensitivity(),
		InactivityThresholdSeconds: p.InactivityThreshold.Seconds(),
	})
	if err != nil {
		return types.Classification{}, fmt.Errorf("remote: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return types.Classification{}, fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return types.Classification{}, fmt.Errorf("remote: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.Classification{}, fmt.Errorf("remote: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.Classification{}, fmt.Errorf("remote: decode response: %w", err)
	}

	var active bool
	switch {
	case out.Active != nil:
		active = *out.Active
	case out.ShouldMute != nil:
		active = !*out.ShouldMute
	case out.PersonDetected != nil:
		active = *out.PersonDetected
	default:
		return types.Classification{}, ErrBadResponse
	}
	return types.Classification{Active: active, Confidence: out.Confidence, At: time.Now()}, nil
}

func encodeSample(s types.Sample) (string, error) {
	if s.Encoding.IsImage() {
		if len(s.Data) == 0 {
			return "", fmt.Errorf("%w: empty frame", classifier.ErrMalformedSample)
		}
		return classifier.DataURI("image/"+string(s.Encoding), s.Data), nil
	}
	wav, err := classifier.EncodeWAV(s)
	if err != nil {
		return "", err
	}
	return classifier.DataURI("audio/wav", wav), nil
}

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/presencegate/pkg/classifier"
	"github.com/MrWong99/presencegate/pkg/types"
)

func serve(t *testing.T, status int, body string, seen *request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			b, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(b, seen); err != nil {
				t.Errorf("server: decode request: %v", err)
			}
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func audioSample() types.Sample {
	return types.Sample{Kind: types.KindAudio, Encoding: types.EncodingU8, Data: []byte{128, 140, 116}, SampleRate: 8000}
}

func TestClassify_ResponseShapes(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		active bool
	}{
		{"active", `{"active":true,"confidence":0.4}`, true},
		{"should_mute true", `{"should_mute":true}`, false},
		{"should_mute false", `{"should_mute":false}`, true},
		{"person_detected", `{"person_detected":true}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, http.StatusOK, tt.body, nil)
			c, err := New(srv.URL)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			got, err := c.Classify(context.Background(), audioSample(), classifier.Params{})
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if got.Active != tt.active {
				t.Errorf("Active = %v, want %v", got.Active, tt.active)
			}
		})
	}
}

func TestClassify_SendsParams(t *testing.T) {
	var seen request
	srv := serve(t, http.StatusOK, `{"active":false}`, &seen)
	c, _ := New(srv.URL)

	_, err := c.Classify(context.Background(), audioSample(), classifier.Params{
		Sensitivity:         classifier.SensitivityOf(0.8),
		InactivityThreshold: 7 * time.Second,
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if seen.Kind != types.KindAudio {
		t.Errorf("kind = %q, want audio", seen.Kind)
	}
	if !strings.HasPrefix(seen.DataURI, "data:audio/wav;base64,") {
		t.Errorf("data_uri = %q, want wav data URI", seen.DataURI)
	}
	if seen.Sensitivity != 0.8 || seen.InactivityThresholdSeconds != 7 {
		t.Errorf("params = %v/%v, want 0.8/7", seen.Sensitivity, seen.InactivityThresholdSeconds)
	}
}

func TestClassify_Errors(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		srv := serve(t, http.StatusBadGateway, "upstream down", nil)
		c, _ := New(srv.URL)
		_, err := c.Classify(context.Background(), audioSample(), classifier.Params{})
		if err == nil || !strings.Contains(err.Error(), "502") {
			t.Fatalf("err = %v, want status 502 error", err)
		}
	})
	t.Run("no verdict", func(t *testing.T) {
		srv := serve(t, http.StatusOK, `{"confidence":1}`, nil)
		c, _ := New(srv.URL)
		_, err := c.Classify(context.Background(), audioSample(), classifier.Params{})
		if !errors.Is(err, ErrBadResponse) {
			t.Fatalf("err = %v, want ErrBadResponse", err)
		}
	})
	t.Run("malformed sample", func(t *testing.T) {
		c, _ := New("http://127.0.0.1:1")
		_, err := c.Classify(context.Background(), types.Sample{Encoding: types.EncodingPCM16, Data: []byte{1}}, classifier.Params{})
		if !errors.Is(err, classifier.ErrMalformedSample) {
			t.Fatalf("err = %v, want ErrMalformedSample", err)
		}
	})
	t.Run("context cancelled", func(t *testing.T) {
		block := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-block:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(block)

		c, _ := New(srv.URL)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := c.Classify(ctx, audioSample(), classifier.Params{})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want DeadlineExceeded", err)
		}
	})
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

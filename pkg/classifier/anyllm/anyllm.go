// Package anyllm provides a frame classifier backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, Mistral, Groq, and more.
//
// Only image samples are accepted: few of these backends take audio input,
// so audio sessions should use the openai or remote classifier instead.
//
// Usage:
//
//	c, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/presencegate/pkg/classifier"
	"github.com/MrWong99/presencegate/pkg/types"
)

const framePrompt = `You gate a camera. Decide whether a person is present in front of the camera in the attached frame. ` +
	`Sensitivity is %.2f on a 0..1 scale; higher means partial views still count. ` +
	`The camera is disabled after %s without a person. ` +
	`Answer with only a JSON object: {"active": true|false, "confidence": 0..1}.`

const maxVerdictTokens = 32

// Classifier implements [classifier.Classifier] on top of any-llm-go.
type Classifier struct {
	backend anyllmlib.Provider
	model   string
}

var _ classifier.Classifier = (*Classifier)(nil)

// New creates a Classifier for the named backend.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "mistral", "groq", "llamacpp". model must be a vision-capable model.
//
// Without an API key option, the backend reads its usual environment
// variable (e.g., ANTHROPIC_API_KEY).
func New(providerName, model string, opts ...anyllmlib.Option) (*Classifier, error) {
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Classifier{backend: backend, model: model}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, mistral, groq, llamacpp", providerName)
	}
}

// Classify implements [classifier.Classifier].
func (c *Classifier) Classify(ctx context.Context, s types.Sample, p classifier.Params) (types.Classification, error) {
	params, err := c.buildParams(s, p)
	if err != nil {
		return types.Classification{}, err
	}
	resp, err := c.backend.Completion(ctx, params)
	if err != nil {
		return types.Classification{}, fmt.Errorf("anyllm: classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return types.Classification{}, fmt.Errorf("%w: no choices", classifier.ErrUnparseableVerdict)
	}
	return classifier.ParseVerdict(resp.Choices[0].Message.ContentString())
}

func (c *Classifier) buildParams(s types.Sample, p classifier.Params) (anyllmlib.CompletionParams, error) {
	if !s.Encoding.IsImage() {
		return anyllmlib.CompletionParams{}, fmt.Errorf("%w: anyllm classifies frames only, got %q", classifier.ErrMalformedSample, s.Encoding)
	}
	if len(s.Data) == 0 {
		return anyllmlib.CompletionParams{}, fmt.Errorf("%w: empty frame", classifier.ErrMalformedSample)
	}

	temperature := 0.0
	maxTokens := maxVerdictTokens
	return anyllmlib.CompletionParams{
		Model: c.model,
		Messages: []anyllmlib.Message{{
			Role: anyllmlib.RoleUser,
			Content: []anyllmlib.ContentPart{
				{Type: "text", Text: fmt.Sprintf(framePrompt, p.EffectiveSensitivity(), p.InactivityThreshold)},
				{Type: "image_url", ImageURL: &anyllmlib.ImageURL{
					URL: classifier.DataURI("image/"+string(s.Encoding), s.Data),
				}},
			},
		}},
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}, nil
}

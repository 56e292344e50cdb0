// Package openai provides a remote classifier backed by a multimodal OpenAI
// chat model.
//
// Audio samples are wrapped in a WAV container and sent as input audio; image
// samples are sent inline as data URIs. The model is instructed to answer
// with a single JSON object {"active": bool, "confidence": number}.
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/presencegate/pkg/classifier"
	"github.com/MrWong99/presencegate/pkg/types"
)

// DefaultModel is used when no model is configured. It accepts both audio and
// image input.
const DefaultModel = "gpt-4o-audio-preview"

// ErrUnparseableVerdict is returned when the model reply contains no usable
// JSON verdict.
var ErrUnparseableVerdict = classifier.ErrUnparseableVerdict

const audioPrompt = `You gate a microphone. Decide whether the attached audio contains human speech ` +
	`directed at the call. Sensitivity is %.2f on a 0..1 scale; higher means weaker speech still counts. ` +
	`The microphone is muted after %s without speech. ` +
	`Answer with only a JSON object: {"active": true|false, "confidence": 0..1}.`

const videoPrompt = `You gate a camera. Decide whether a person is present in front of the camera in the attached frame. ` +
	`Sensitivity is %.2f on a 0..1 scale; higher means partial views still count. ` +
	`The camera is disabled after %s without a person. ` +
	`Answer with only a JSON object: {"active": true|false, "confidence": 0..1}.`

// Classifier implements [classifier.Classifier] using the OpenAI Chat
// Completions API.
type Classifier struct {
	client oai.Client
	model  string
}

var _ classifier.Classifier = (*Classifier)(nil)

type config struct {
	baseURL string
	timeout time.Duration
	model   string
}

// Option is a functional option for [New].
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the chat model. Default: [DefaultModel].
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Classifier.
func New(apiKey string, opts ...Option) (*Classifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	cfg := &config{model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.model == "" {
		cfg.model = DefaultModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Classifier{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// Classify implements [classifier.Classifier].
func (c *Classifier) Classify(ctx context.Context, s types.Sample, p classifier.Params) (types.Classification, error) {
	params, err := c.buildParams(s, p)
	if err != nil {
		return types.Classification{}, err
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return types.Classification{}, fmt.Errorf("openai: classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return types.Classification{}, fmt.Errorf("%w: no choices", ErrUnparseableVerdict)
	}
	return classifier.ParseVerdict(resp.Choices[0].Message.Content)
}

func (c *Classifier) buildParams(s types.Sample, p classifier.Params) (oai.ChatCompletionNewParams, error) {
	threshold := p.InactivityThreshold.String()
	sens := p.EffectiveSensitivity()

	var parts []oai.ChatCompletionContentPartUnionParam
	switch {
	case s.Encoding.IsImage():
		parts = []oai.ChatCompletionContentPartUnionParam{
			oai.TextContentPart(fmt.Sprintf(videoPrompt, sens, threshold)),
			oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
				URL: classifier.DataURI("image/"+string(s.Encoding), s.Data),
			}),
		}
	case s.Encoding == types.EncodingU8 || s.Encoding == types.EncodingPCM16:
		wav, err := classifier.EncodeWAV(s)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		parts = []oai.ChatCompletionContentPartUnionParam{
			oai.TextContentPart(fmt.Sprintf(audioPrompt, sens, threshold)),
			oai.InputAudioContentPart(oai.ChatCompletionContentPartInputAudioInputAudioParam{
				Data:   base64.StdEncoding.EncodeToString(wav),
				Format: "wav",
			}),
		}
	default:
		return oai.ChatCompletionNewParams{}, fmt.Errorf("%w: unsupported encoding %q", classifier.ErrMalformedSample, s.Encoding)
	}

	return oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(c.model),
		Messages:            []oai.ChatCompletionMessageParamUnion{oai.UserMessage(parts)},
		Temperature:         param.NewOpt(0.0),
		MaxCompletionTokens: param.NewOpt(int64(32)),
	}, nil
}

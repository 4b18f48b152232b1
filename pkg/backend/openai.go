// Package backend provides translate.Translator implementations: an
// OpenAI-compatible on-device model server, a retry wrapper and a
// persistent translation cache.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/translocal/translocal/pkg/logger"
	"github.com/translocal/translocal/pkg/translate"
)

// DefaultBaseURL points at a model server on the local machine
const DefaultBaseURL = "http://127.0.0.1:5273/v1/"

// ErrEmptyCompletion is returned when the model answers without any choice
var ErrEmptyCompletion = errors.New("model returned no completion")

// OpenAIConfig configures an OpenAI-compatible backend
type OpenAIConfig struct {
	BaseURL  string
	APIKey   string
	Model    string
	Strategy string // see ResolveModel
	Device   string
	Timeout  time.Duration
}

// OpenAI translates by prompting a chat completion model
type OpenAI struct {
	client openai.Client
	model  string
	logger logger.Logger
}

var _ translate.Translator = (*OpenAI)(nil)

// NewOpenAI creates a backend client. No request is made until the first call.
func NewOpenAI(cfg OpenAIConfig, log logger.Logger) *OpenAI {
	if log == nil {
		log = logger.Nop()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	key := cfg.APIKey
	if key == "" {
		// Local servers ignore the key but the client insists on one.
		key = "translocal"
	}

	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithAPIKey(key),
		option.WithMaxRetries(0), // retries are handled by Retrying
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  ResolveModel(cfg.Model, cfg.Strategy, cfg.Device),
		logger: log,
	}
}

// Model returns the resolved model id sent with each request
func (o *OpenAI) Model() string { return o.model }

// Translate asks the model for a translation of text and returns it trimmed
func (o *OpenAI) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	src := translate.NormalizeLang(sourceLang)
	tgt := translate.NormalizeLang(targetLang)

	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(Prompt(text, src, tgt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	o.logger.Debug("Translated %d chars %s->%s with %s", len(text), src, tgt, o.model)
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

// Status reports whether the model server is reachable and serves the model
func (o *OpenAI) Status(ctx context.Context) translate.Status {
	page, err := o.client.Models.List(ctx)
	if err != nil {
		return translate.Status{
			Ready:   false,
			Message: "model server unavailable",
			Detail:  err.Error(),
		}
	}
	for _, m := range page.Data {
		if strings.EqualFold(m.ID, o.model) {
			return translate.Status{Ready: true, Message: fmt.Sprintf("ready (model %s)", o.model)}
		}
	}
	return translate.Status{
		Ready:   false,
		Message: fmt.Sprintf("model '%s' not found", o.model),
		Detail:  "check the model alias or list the models the server provides",
	}
}

// Prompt builds the instruction sent to the model
func Prompt(text, sourceLang, targetLang string) string {
	return fmt.Sprintf("Translate the following text from %s to %s. Only output the translation, nothing else:\n\n%s",
		sourceLang, targetLang, text)
}

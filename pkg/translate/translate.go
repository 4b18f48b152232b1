// Package translate maps the wire formats of the emulated cloud translation
// APIs onto a backend-agnostic request/response pair and drives the backend.
package translate

import (
	"context"
	"fmt"
	"strings"
)

// DefaultLang is used when a request omits a language
const DefaultLang = "en"

// Request is the normalized translation unit shared by every format
type Request struct {
	Texts      []string
	SourceLang string // empty when the caller did not declare one
	TargetLang string
}

// Response carries one translation per input text, in input order
type Response struct {
	Texts              []string
	DetectedSourceLang string
}

// Status describes backend readiness
type Status struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Translator is the backend contract. Language codes are two-letter and
// case-insensitive. Implementations decide their own concurrency safety.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
	Status(ctx context.Context) Status
}

// Format is one emulated API wire format
type Format interface {
	Name() string
	// ParseRequest builds a Request from the request target and body.
	ParseRequest(target string, body []byte) (*Request, error)
	RenderResponse(req *Request, resp *Response) ([]byte, error)
	RenderError(message string) []byte
}

// Run translates every text sequentially. Empty texts are passed through
// without calling the backend.
func Run(ctx context.Context, t Translator, req *Request) (*Response, error) {
	src := req.SourceLang
	if src == "" {
		src = DefaultLang
	}
	tgt := req.TargetLang
	if tgt == "" {
		tgt = DefaultLang
	}

	out := make([]string, len(req.Texts))
	for i, text := range req.Texts {
		if text == "" {
			continue
		}
		translated, err := t.Translate(ctx, text, src, tgt)
		if err != nil {
			return nil, fmt.Errorf("failed to translate item %d: %w", i, err)
		}
		out[i] = translated
	}

	return &Response{Texts: out, DetectedSourceLang: src}, nil
}

// NormalizeLang reduces a code such as "EN-US" or " de " to two lower-case letters
func NormalizeLang(code string) string {
	s := strings.TrimSpace(code)
	if s == "" {
		return DefaultLang
	}
	if len(s) > 2 {
		s = s[:2]
	}
	return strings.ToLower(s)
}

// DeepLLang renders a code the way DeepL reports languages, e.g. "EN"
func DeepLLang(code string) string {
	return strings.ToUpper(NormalizeLang(code))
}

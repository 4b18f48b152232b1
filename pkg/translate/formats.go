package translate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrInvalidBody is returned when a request body is not a JSON object.
	ErrInvalidBody = errors.New("request body is not a JSON object")

	// ErrMissingQuery is returned by the legacy format when q is absent or empty.
	ErrMissingQuery = errors.New("missing 'q' parameter")
)

// Format names, also used as metric and traffic labels
const (
	NameDeepL        = "deepl"
	NameGoogle       = "google"
	NameGoogleLegacy = "google_legacy"
)

// DeepL emulates POST /v2/translate
type DeepL struct{}

// Google emulates Cloud Translation v3 POST .../*:translateText
type Google struct{}

// GoogleLegacy emulates GET .../translate_a/single?q=&sl=&tl=
type GoogleLegacy struct{}

var (
	_ Format = DeepL{}
	_ Format = Google{}
	_ Format = GoogleLegacy{}
)

func (DeepL) Name() string { return NameDeepL }

func (DeepL) ParseRequest(_ string, body []byte) (*Request, error) {
	doc, err := parseObject(body)
	if err != nil {
		return nil, err
	}
	texts, err := stringList(doc, "text")
	if err != nil {
		return nil, err
	}
	return &Request{
		Texts:      texts,
		SourceLang: field(doc, "source_lang").String(),
		TargetLang: stringOr(field(doc, "target_lang"), DefaultLang),
	}, nil
}

type deepLTranslation struct {
	DetectedSourceLanguage string `json:"detected_source_language"`
	Text                   string `json:"text"`
}

func (DeepL) RenderResponse(_ *Request, resp *Response) ([]byte, error) {
	detected := DeepLLang(resp.DetectedSourceLang)
	out := struct {
		Translations []deepLTranslation `json:"translations"`
	}{Translations: make([]deepLTranslation, 0, len(resp.Texts))}
	for _, text := range resp.Texts {
		out.Translations = append(out.Translations, deepLTranslation{
			DetectedSourceLanguage: detected,
			Text:                   text,
		})
	}
	return marshal(out)
}

func (DeepL) RenderError(message string) []byte {
	b, _ := marshal(struct {
		Message string `json:"message"`
	}{Message: message})
	return b
}

func (Google) Name() string { return NameGoogle }

func (Google) ParseRequest(_ string, body []byte) (*Request, error) {
	doc, err := parseObject(body)
	if err != nil {
		return nil, err
	}
	texts, err := stringList(doc, "contents")
	if err != nil {
		return nil, err
	}
	return &Request{
		Texts:      texts,
		SourceLang: field(doc, "sourceLanguageCode").String(),
		TargetLang: stringOr(field(doc, "targetLanguageCode"), DefaultLang),
	}, nil
}

type googleTranslation struct {
	TranslatedText string `json:"translatedText"`
}

func (Google) RenderResponse(_ *Request, resp *Response) ([]byte, error) {
	out := struct {
		Translations         []googleTranslation `json:"translations"`
		GlossaryTranslations []googleTranslation `json:"glossaryTranslations"`
	}{
		Translations:         make([]googleTranslation, 0, len(resp.Texts)),
		GlossaryTranslations: []googleTranslation{},
	}
	for _, text := range resp.Texts {
		out.Translations = append(out.Translations, googleTranslation{TranslatedText: text})
	}
	return marshal(out)
}

func (Google) RenderError(message string) []byte {
	type inner struct {
		Message string `json:"message"`
	}
	b, _ := marshal(struct {
		Error inner `json:"error"`
	}{Error: inner{Message: message}})
	return b
}

func (GoogleLegacy) Name() string { return NameGoogleLegacy }

// ParseRequest reads q, sl and tl from the query string; the body is ignored.
// An absent or "auto" source becomes DefaultLang.
func (GoogleLegacy) ParseRequest(target string, _ []byte) (*Request, error) {
	var rawQuery string
	if i := strings.IndexByte(target, '?'); i >= 0 {
		rawQuery = target[i+1:]
	}
	qs, _ := url.ParseQuery(rawQuery)

	q := qs.Get("q")
	if q == "" {
		return nil, ErrMissingQuery
	}
	sl := qs.Get("sl")
	if sl == "" || strings.EqualFold(sl, "auto") {
		sl = DefaultLang
	}
	tl := qs.Get("tl")
	if tl == "" {
		tl = DefaultLang
	}
	return &Request{Texts: []string{q}, SourceLang: sl, TargetLang: tl}, nil
}

func (GoogleLegacy) RenderResponse(req *Request, resp *Response) ([]byte, error) {
	if len(req.Texts) != 1 || len(resp.Texts) != 1 {
		return nil, fmt.Errorf("legacy format carries exactly one text, got %d", len(resp.Texts))
	}
	sentence := []interface{}{resp.Texts[0], req.Texts[0], nil, nil, 3}
	out := []interface{}{[]interface{}{sentence}, nil, resp.DetectedSourceLang}
	return marshal(out)
}

func (GoogleLegacy) RenderError(message string) []byte {
	b, _ := marshal(struct {
		Error string `json:"error"`
	}{Error: message})
	return b
}

func parseObject(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, ErrInvalidBody
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return gjson.Result{}, ErrInvalidBody
	}
	return doc, nil
}

// field looks up a top-level key ignoring case. An exact match wins.
func field(doc gjson.Result, name string) gjson.Result {
	if exact := doc.Get(gjson.Escape(name)); exact.Exists() {
		return exact
	}
	var found gjson.Result
	doc.ForEach(func(key, value gjson.Result) bool {
		if strings.EqualFold(key.String(), name) {
			found = value
			return false
		}
		return true
	})
	return found
}

// stringList accepts either a single string or an array of strings.
// JSON nulls become empty strings.
func stringList(doc gjson.Result, name string) ([]string, error) {
	v := field(doc, name)
	if !v.Exists() {
		return nil, fmt.Errorf("missing required field %q", name)
	}

	if !v.IsArray() {
		s, err := stringValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		return []string{s}, nil
	}

	items := v.Array()
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, err := stringValue(item)
		if err != nil {
			return nil, fmt.Errorf("field %q[%d]: %w", name, i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func stringValue(v gjson.Result) (string, error) {
	switch v.Type {
	case gjson.String:
		return v.Str, nil
	case gjson.Null:
		return "", nil
	default:
		return "", fmt.Errorf("expected string, got %s", v.Type)
	}
}

func stringOr(v gjson.Result, def string) string {
	if v.Type == gjson.String && v.Str != "" {
		return v.Str
	}
	return def
}

func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

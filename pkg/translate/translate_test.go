package translate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upperTranslator struct {
	mu    sync.Mutex
	calls []string
	fail  error
}

func (u *upperTranslator) Translate(_ context.Context, text, _, _ string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, text)
	if u.fail != nil {
		return "", u.fail
	}
	return strings.ToUpper(text), nil
}

func (u *upperTranslator) Status(context.Context) Status {
	return Status{Ready: true, Message: "ok"}
}

func TestRun_PreservesOrderAndSkipsEmpty(t *testing.T) {
	tr := &upperTranslator{}
	resp, err := Run(context.Background(), tr, &Request{
		Texts:      []string{"a", "", "b", ""},
		TargetLang: "de",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "", "B", ""}, resp.Texts)
	assert.Equal(t, []string{"a", "b"}, tr.calls)
	assert.Equal(t, "en", resp.DetectedSourceLang)
}

func TestRun_BackendError(t *testing.T) {
	tr := &upperTranslator{fail: errors.New("model not loaded")}
	_, err := Run(context.Background(), tr, &Request{Texts: []string{"x"}, TargetLang: "de"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestDeepL_EndToEnd(t *testing.T) {
	f := DeepL{}
	req, err := f.ParseRequest("/v2/translate", []byte(`{"text":["hello","world"],"target_lang":"de"}`))
	require.NoError(t, err)
	assert.Equal(t, "de", req.TargetLang)
	assert.Empty(t, req.SourceLang)

	resp, err := Run(context.Background(), &upperTranslator{}, req)
	require.NoError(t, err)

	body, err := f.RenderResponse(req, resp)
	require.NoError(t, err)
	assert.Equal(t,
		`{"translations":[{"detected_source_language":"EN","text":"HELLO"},{"detected_source_language":"EN","text":"WORLD"}]}`,
		string(body))
}

func TestDeepL_EmptyItemsReportUpperCaseSource(t *testing.T) {
	f := DeepL{}
	req, err := f.ParseRequest("/v2/translate", []byte(`{"text":["",""],"source_lang":"fr-ca","target_lang":"de"}`))
	require.NoError(t, err)

	tr := &upperTranslator{}
	resp, err := Run(context.Background(), tr, req)
	require.NoError(t, err)
	assert.Empty(t, tr.calls)

	body, err := f.RenderResponse(req, resp)
	require.NoError(t, err)
	assert.Equal(t,
		`{"translations":[{"detected_source_language":"FR","text":""},{"detected_source_language":"FR","text":""}]}`,
		string(body))
}

func TestDeepL_ParseVariants(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		texts  []string
		source string
		target string
	}{
		{"single string", `{"text":"hi","target_lang":"FR"}`, []string{"hi"}, "", "FR"},
		{"case-insensitive keys", `{"Text":["x"],"Target_Lang":"ja","SOURCE_LANG":"en"}`, []string{"x"}, "en", "ja"},
		{"null element", `{"text":["a",null],"target_lang":"de"}`, []string{"a", ""}, "", "de"},
		{"missing target defaults", `{"text":"a"}`, []string{"a"}, "", "en"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DeepL{}.ParseRequest("", []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.texts, req.Texts)
			assert.Equal(t, tt.source, req.SourceLang)
			assert.Equal(t, tt.target, req.TargetLang)
		})
	}
}

func TestDeepL_ParseErrors(t *testing.T) {
	for _, body := range []string{``, `not json`, `[1,2]`, `{"target_lang":"de"}`, `{"text":[1],"target_lang":"de"}`} {
		_, err := DeepL{}.ParseRequest("", []byte(body))
		assert.Error(t, err, "body %q", body)
	}
}

func TestDeepL_RoundTripThroughJSON(t *testing.T) {
	texts := []string{"Grüße", `quote " and \ slash`, "<tag>&amp;", ""}
	body, err := DeepL{}.RenderResponse(&Request{}, &Response{Texts: texts, DetectedSourceLang: "en-US"})
	require.NoError(t, err)

	var decoded struct {
		Translations []struct {
			Detected string `json:"detected_source_language"`
			Text     string `json:"text"`
		} `json:"translations"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Len(t, decoded.Translations, len(texts))
	for i, tr := range decoded.Translations {
		assert.Equal(t, texts[i], tr.Text)
		assert.Equal(t, "EN", tr.Detected)
	}
}

func TestGoogle_EndToEnd(t *testing.T) {
	f := Google{}
	req, err := f.ParseRequest("/v3/projects/p:translateText",
		[]byte(`{"contents":["one",""],"targetLanguageCode":"de","sourceLanguageCode":"en"}`))
	require.NoError(t, err)

	tr := &upperTranslator{}
	resp, err := Run(context.Background(), tr, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, tr.calls)

	body, err := f.RenderResponse(req, resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"translations":[{"translatedText":"ONE"},{"translatedText":""}],"glossaryTranslations":[]}`, string(body))
}

func TestGoogleLegacy(t *testing.T) {
	f := GoogleLegacy{}
	req, err := f.ParseRequest("/translate_a/single?client=gtx&q=hi&sl=auto&tl=de", nil)
	require.NoError(t, err)
	assert.Equal(t, "en", req.SourceLang)
	assert.Equal(t, "de", req.TargetLang)

	resp := &Response{Texts: []string{"hi"}, DetectedSourceLang: req.SourceLang}
	body, err := f.RenderResponse(req, resp)
	require.NoError(t, err)
	assert.Equal(t, `[[["hi","hi",null,null,3]],null,"en"]`, string(body))

	_, err = f.ParseRequest("/translate_a/single?sl=en&tl=de", nil)
	assert.ErrorIs(t, err, ErrMissingQuery)
}

func TestGoogleLegacy_Defaults(t *testing.T) {
	req, err := GoogleLegacy{}.ParseRequest("/translate_a/single?q=hola+mundo", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hola mundo"}, req.Texts)
	assert.Equal(t, "en", req.SourceLang)
	assert.Equal(t, "en", req.TargetLang)
}

func TestRenderError(t *testing.T) {
	assert.JSONEq(t, `{"message":"boom"}`, string(DeepL{}.RenderError("boom")))
	assert.JSONEq(t, `{"error":{"message":"boom"}}`, string(Google{}.RenderError("boom")))
	assert.JSONEq(t, `{"error":"boom"}`, string(GoogleLegacy{}.RenderError("boom")))
}

func TestLanguageCodes(t *testing.T) {
	assert.Equal(t, "en", NormalizeLang(""))
	assert.Equal(t, "en", NormalizeLang("EN-US"))
	assert.Equal(t, "de", NormalizeLang(" de "))
	assert.Equal(t, "z", NormalizeLang("Z"))
	assert.Equal(t, "PT", DeepLLang("pt-br"))
}

package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/genai"

	"github.com/nulpointcorp/inference-failover/internal/providers"
	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

// --- helpers ---

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	// The base URL carries the version segment so splitBaseURLAndVersion can
	// extract it.
	p, err := New(context.Background(), "mock-api-key", WithBaseURL(srv.URL+"/v1beta"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model:     "gemini-1.5-pro",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func successResponse(text string) generateResponse {
	return generateResponse{
		Candidates: []candidate{
			{
				Content: content{
					Role:  "model",
					Parts: []part{{Text: text}},
				},
				FinishReason: "STOP",
			},
		},
		UsageMetadata: usageMetadata{
			PromptTokenCount:     10,
			CandidatesTokenCount: 5,
		},
	}
}

func errorServer(status int, statusText, msg string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": status, "message": msg, "status": statusText},
		})
	}))
}

// --- tests ---

func TestProvider_Name(t *testing.T) {
	p, err := New(context.Background(), "key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "gemini" {
		t.Fatalf("expected 'gemini', got %q", p.Name())
	}
}

func TestProvider_Complete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}

		// The SDK may send the key as a query param or a header.
		gotKey := r.URL.Query().Get("key")
		if gotKey == "" {
			gotKey = r.Header.Get("X-Goog-Api-Key")
		}
		if gotKey != "mock-api-key" {
			t.Errorf("expected api key 'mock-api-key', got %q", gotKey)
		}
		if !contains(r.URL.Path, "gemini-1.5-pro") {
			t.Errorf("expected model in path, got %q", r.URL.Path)
		}
		if !contains(r.URL.Path, "generateContent") {
			t.Errorf("expected generateContent in path, got %q", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("Hello, world!"))
	}))
	defer srv.Close()

	resp, err := newTestProvider(t, srv).Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", resp.Content)
	}
	if resp.Usage.PromptTokens != 10 {
		t.Errorf("expected 10 prompt tokens, got %d", resp.Usage.PromptTokens)
	}
	if resp.Usage.CompletionTokens != 5 {
		t.Errorf("expected 5 completion tokens, got %d", resp.Usage.CompletionTokens)
	}
	if resp.FinishReason != providers.FinishStop {
		t.Errorf("expected finish reason 'stop', got %q", resp.FinishReason)
	}
	if resp.ID != "req-mock-1" {
		t.Errorf("expected ID 'req-mock-1', got %q", resp.ID)
	}
	if resp.Model != "gemini-1.5-pro" {
		t.Errorf("expected model echoed back, got %q", resp.Model)
	}
}

func TestProvider_Complete_RoleMapping_AssistantToModel(t *testing.T) {
	var capturedBody generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&capturedBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("Sure!"))
	}))
	defer srv.Close()

	req := &providers.Request{
		Model: "gemini-1.5-pro",
		Messages: []providers.Message{
			{Role: "user", Content: "What is 2+2?"},
			{Role: "assistant", Content: "4"},
			{Role: "user", Content: "And 3+3?"},
		},
		RequestID: "req-role-mock",
	}

	if _, err := newTestProvider(t, srv).Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(capturedBody.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(capturedBody.Contents))
	}
	if capturedBody.Contents[1].Role != "model" {
		t.Errorf("expected role 'model' for assistant message, got %q", capturedBody.Contents[1].Role)
	}
	if len(capturedBody.Contents[1].Parts) == 0 || capturedBody.Contents[1].Parts[0].Text != "4" {
		t.Errorf("expected text '4', got %+v", capturedBody.Contents[1].Parts)
	}
	if capturedBody.Contents[0].Role != "user" || capturedBody.Contents[2].Role != "user" {
		t.Errorf("expected user roles to be kept, got %q and %q",
			capturedBody.Contents[0].Role, capturedBody.Contents[2].Role)
	}
}

func TestProvider_Complete_SystemMessage_UsesSystemInstruction(t *testing.T) {
	var capturedBody generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&capturedBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("OK"))
	}))
	defer srv.Close()

	req := &providers.Request{
		Model: "gemini-1.5-pro",
		Messages: []providers.Message{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "Hello"},
		},
		RequestID: "req-system-mock",
	}

	if _, err := newTestProvider(t, srv).Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if capturedBody.SystemInstruction == nil || len(capturedBody.SystemInstruction.Parts) == 0 {
		t.Fatalf("expected systemInstruction to be set")
	}
	if capturedBody.SystemInstruction.Parts[0].Text != "You are a helpful assistant." {
		t.Errorf("unexpected system instruction %q", capturedBody.SystemInstruction.Parts[0].Text)
	}
	if len(capturedBody.Contents) != 1 {
		t.Errorf("system turn must not be sent as content, got %d contents", len(capturedBody.Contents))
	}
}

func TestProvider_Complete_NoIDFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("Hi"))
	}))
	defer srv.Close()

	req := baseRequest()
	req.RequestID = ""

	resp, err := newTestProvider(t, srv).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !contains(resp.ID, "gemini-") {
		t.Errorf("expected generated ID to start with 'gemini-', got %q", resp.ID)
	}
}

func TestProvider_Complete_GenerationConfig(t *testing.T) {
	var capturedBody generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&capturedBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("Response"))
	}))
	defer srv.Close()

	temp := 0.5
	req := baseRequest()
	req.Temperature = &temp
	req.MaxTokens = 1000

	if _, err := newTestProvider(t, srv).Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if capturedBody.GenerationConfig == nil {
		t.Fatal("expected generationConfig to be set")
	}
	if capturedBody.GenerationConfig.Temperature == nil || *capturedBody.GenerationConfig.Temperature != 0.5 {
		t.Errorf("expected temperature 0.5, got %v", capturedBody.GenerationConfig.Temperature)
	}
	if capturedBody.GenerationConfig.MaxOutputTokens == nil || *capturedBody.GenerationConfig.MaxOutputTokens != 1000 {
		t.Errorf("expected maxOutputTokens 1000, got %v", capturedBody.GenerationConfig.MaxOutputTokens)
	}
}

func TestToWire_NoConfigWhenUnset(t *testing.T) {
	contents, cfg := ToWire(baseRequest())
	if cfg != nil {
		t.Errorf("expected nil config, got %+v", cfg)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
}

func TestToWire_ZeroTemperatureIsSent(t *testing.T) {
	zero := 0.0
	req := baseRequest()
	req.Temperature = &zero

	_, cfg := ToWire(req)
	if cfg == nil || cfg.Temperature == nil || *cfg.Temperature != 0 {
		t.Fatalf("expected explicit zero temperature, got %+v", cfg)
	}
}

func TestProvider_Complete_RateLimited(t *testing.T) {
	srv := errorServer(http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "quota exceeded")
	defer srv.Close()

	_, err := newTestProvider(t, srv).Complete(context.Background(), baseRequest())
	if apierr.KindOf(err) != apierr.KindRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if !contains(err.Error(), "quota exceeded") {
		t.Errorf("expected upstream message in error, got %q", err.Error())
	}
}

func TestProvider_Complete_ErrorKinds(t *testing.T) {
	cases := []struct {
		status int
		text   string
		want   apierr.Kind
	}{
		{http.StatusInternalServerError, "INTERNAL", apierr.KindServer},
		{http.StatusServiceUnavailable, "UNAVAILABLE", apierr.KindServer},
		{http.StatusBadRequest, "INVALID_ARGUMENT", apierr.KindValidation},
		{http.StatusForbidden, "PERMISSION_DENIED", apierr.KindAuthentication},
		{http.StatusNotFound, "NOT_FOUND", apierr.KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			srv := errorServer(tc.status, tc.text, "boom")
			defer srv.Close()

			_, err := newTestProvider(t, srv).Complete(context.Background(), baseRequest())
			if got := apierr.KindOf(err); got != tc.want {
				t.Fatalf("status %d: expected %s, got %s (%v)", tc.status, tc.want, got, err)
			}
		})
	}
}

func TestFinishReason(t *testing.T) {
	cases := map[genai.FinishReason]string{
		genai.FinishReasonStop:      providers.FinishStop,
		genai.FinishReasonMaxTokens: providers.FinishLength,
		genai.FinishReasonSafety:    providers.FinishContentFilter,
		"BLOCKLIST":                 providers.FinishContentFilter,
		"OTHER":                     "other",
		"":                          "",
	}
	for in, want := range cases {
		if got := finishReason(in); got != want {
			t.Errorf("finishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	cases := []struct {
		in, base, ver string
	}{
		{"https://generativelanguage.googleapis.com/v1beta", "https://generativelanguage.googleapis.com/", "v1beta"},
		{"http://localhost:9000", "http://localhost:9000/", ""},
		{"http://proxy/gemini/v1", "http://proxy/gemini/", "v1"},
		{"http://proxy/gemini", "http://proxy/gemini/", ""},
	}
	for _, tc := range cases {
		base, ver := splitBaseURLAndVersion(tc.in)
		if base != tc.base || ver != tc.ver {
			t.Errorf("splitBaseURLAndVersion(%q) = (%q, %q), want (%q, %q)", tc.in, base, ver, tc.base, tc.ver)
		}
	}
}

// --- local JSON shapes used by tests (request capture + response stubs) ---

type generateRequest struct {
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens *int32   `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata,omitempty"`
	ResponseID    string        `json:"responseId,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

// contains is a simple substring check helper.
func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(substr) == 0 ||
		func() bool {
			for i := 0; i <= len(s)-len(substr); i++ {
				if s[i:i+len(substr)] == substr {
					return true
				}
			}
			return false
		}())
}

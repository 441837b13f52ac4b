package gemini

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
)

func generationResponse(text string) string {
	return `{"candidates":[{"content":{"parts":[{"text":` + jsonString(text) + `}]}}]}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestGenerateContentSuccess(t *testing.T) {
	var gotPath string
	var gotBody generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(generationResponse("rewritten chapter")))
	}))
	defer srv.Close()

	c := NewWithBaseURL("test-key", srv.URL)
	text, err := c.GenerateContent(context.Background(), "spin this")
	if err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}
	if text != "rewritten chapter" {
		t.Errorf("text = %q, want %q", text, "rewritten chapter")
	}
	if !strings.HasSuffix(gotPath, "/models/gemini-2.0-flash:generateContent") {
		t.Errorf("unexpected request path %q", gotPath)
	}
	if len(gotBody.Contents) != 1 || len(gotBody.Contents[0].Parts) != 1 || gotBody.Contents[0].Parts[0].Text != "spin this" {
		t.Errorf("request body did not carry the prompt: %+v", gotBody)
	}
}

func TestGenerateContentStatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusServiceUnavailable, true},
		{"bad request", http.StatusBadRequest, false},
		{"rate limited", http.StatusTooManyRequests, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := NewWithBaseURL("k", srv.URL)
			_, err := c.GenerateContent(context.Background(), "prompt")

			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *ProviderError", err)
			}
			if pe.Status != tt.status {
				t.Errorf("status = %d, want %d", pe.Status, tt.status)
			}
			if Retryable(err) != tt.retryable {
				t.Errorf("Retryable = %v, want %v", Retryable(err), tt.retryable)
			}
		})
	}
}

func TestGenerateContentMalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>oops</html>"},
		{"no candidates", `{"candidates":[]}`},
		{"no parts", `{"candidates":[{"content":{"parts":[]}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewWithBaseURL("k", srv.URL)
			_, err := c.GenerateContent(context.Background(), "prompt")

			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *ProviderError", err)
			}
			if Retryable(err) {
				t.Error("malformed responses must not be retryable")
			}
		})
	}
}

func TestGenerateContentEmptyText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(generationResponse("")))
	}))
	defer srv.Close()

	c := NewWithBaseURL("k", srv.URL)
	_, err := c.GenerateContent(context.Background(), "prompt")
	if !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("error = %v, want ErrEmptyResult", err)
	}
	if Retryable(err) {
		t.Error("empty results must not be retryable")
	}
}

func TestGenerateContentTimeoutIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background connection
		// read; without it r.Context() is never canceled on client
		// disconnect and srv.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewWithBaseURL("k", srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.GenerateContent(ctx, "prompt")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if !Retryable(err) {
		t.Error("transport errors must be retryable")
	}
}

func TestEmbedContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":embedContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"embedding":{"values":[0.25,-0.5,1.0]}}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL("k", srv.URL)
	vec, err := c.EmbedContent(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedContent: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.25 {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestEmbedContentEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embedding":{"values":[]}}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL("k", srv.URL)
	if _, err := c.EmbedContent(context.Background(), "hello"); !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("error = %v, want ErrEmptyResult", err)
	}
}

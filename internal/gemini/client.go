// Package gemini implements the generation service client used by the writer
// and reviewer steps. Requests and responses follow the generativelanguage
// REST shapes: contents[].parts[].text in, candidates[].content.parts[].text out.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel      = "gemini-2.0-flash"
	defaultEmbedModel = "text-embedding-004"
)

// Client communicates with the Gemini REST API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	embedModel string
	httpClient *http.Client
}

// New creates a Client with the given API key. Attempt timeouts are the
// caller's responsibility via context deadlines.
func New(apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		embedModel: defaultEmbedModel,
		httpClient: &http.Client{Timeout: 0},
	}
}

// NewWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewWithBaseURL(apiKey, baseURL string) *Client {
	c := New(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// SetModels overrides the generation and embedding model names. Empty values
// keep the defaults.
func (c *Client) SetModels(model, embedModel string) {
	if model != "" {
		c.model = model
	}
	if embedModel != "" {
		c.embedModel = embedModel
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type candidate struct {
	Content content `json:"content"`
}

type generateResponse struct {
	Candidates []candidate `json:"candidates"`
}

// GenerateContent sends a single prompt and returns the first candidate's text.
// Failures map onto the retry taxonomy: network problems and timeouts become
// *TransportError, 4xx/5xx and malformed payloads become *ProviderError, and a
// well-formed response with no usable text becomes ErrEmptyResult.
func (c *Client) GenerateContent(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ProviderError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &ProviderError{Status: resp.StatusCode, Message: fmt.Sprintf("decoding response: %v", err)}
	}

	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", &ProviderError{Status: resp.StatusCode, Message: "response has no candidates"}
	}

	text := result.Candidates[0].Content.Parts[0].Text
	if text == "" {
		return "", ErrEmptyResult
	}
	return text, nil
}

type embedRequest struct {
	Content content `json:"content"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// EmbedContent returns the embedding vector for the given text. Used by the
// advisory search index only; errors here never affect the version log.
func (c *Client) EmbedContent(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Content: content{Parts: []part{{Text: text}}}})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", c.baseURL, c.embedModel, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProviderError{Status: resp.StatusCode, Message: fmt.Sprintf("decoding response: %v", err)}
	}

	if len(result.Embedding.Values) == 0 {
		return nil, ErrEmptyResult
	}
	return result.Embedding.Values, nil
}

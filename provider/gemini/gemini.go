// Package gemini adapts the Google Gemini generateContent API to the
// runtime's LLM contracts: tool-capable text generation for agent blocks
// and schema-constrained object generation for step functions.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lumenlabs/brains"
)

var defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client implements brains.TextGenerator for Google Gemini models.
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	httpClient  *http.Client
	temperature float64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// New creates a Gemini client for the given model.
func New(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		model:       model,
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		temperature: 0.1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateText performs one tool-capable chat turn.
func (c *Client) GenerateText(ctx context.Context, req brains.GenerateTextRequest) (brains.GenerateTextResponse, error) {
	body := c.buildBody(req.Messages, req.System, nil)
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := map[string]any{
				"name":        t.Name,
				"description": t.Description,
			}
			if len(t.InputSchema) > 0 {
				var params any
				if err := json.Unmarshal(t.InputSchema, &params); err == nil {
					decl["parameters"] = params
				}
			}
			decls = append(decls, decl)
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	parsed, err := c.generate(ctx, body)
	if err != nil {
		return brains.GenerateTextResponse{}, err
	}

	var out brains.GenerateTextResponse
	var text strings.Builder
	var calls []brains.LLMToolCall
	if len(parsed.Candidates) > 0 {
		for i, part := range parsed.Candidates[0].Content.Parts {
			if part.Thought {
				continue
			}
			if part.Text != nil {
				text.WriteString(*part.Text)
			}
			if part.FunctionCall != nil {
				calls = append(calls, brains.LLMToolCall{
					// Gemini has no call ids; synthesise stable ones per turn.
					ToolCallID: fmt.Sprintf("%s-%d", part.FunctionCall.Name, i),
					ToolName:   part.FunctionCall.Name,
					Args:       part.FunctionCall.Args,
				})
			}
		}
	}
	out.Text = text.String()
	out.ToolCalls = calls
	if parsed.UsageMetadata != nil {
		out.Usage.TotalTokens = parsed.UsageMetadata.TotalTokenCount
	}

	// One assistant audit message per turn, carrying the tool calls.
	msg := brains.AgentMessage{Role: "assistant", Content: out.Text, ToolCalls: calls}
	if raw, err := json.Marshal(parsed.Candidates); err == nil {
		msg.Raw = raw
	}
	out.ResponseMessages = []brains.AgentMessage{msg}
	return out, nil
}

// GenerateObject asks for a single object conforming to the schema, using
// Gemini's structured output mode.
func (c *Client) GenerateObject(ctx context.Context, req brains.GenerateObjectRequest) (json.RawMessage, error) {
	messages := []brains.AgentMessage{{Role: "user", Content: req.Prompt}}
	body := c.buildBody(messages, "", req.Schema)

	parsed, err := c.generate(ctx, body)
	if err != nil {
		return nil, err
	}
	if len(parsed.Candidates) == 0 {
		return nil, c.errf("empty response")
	}
	for _, part := range parsed.Candidates[0].Content.Parts {
		if part.Text == nil || part.Thought {
			continue
		}
		raw := json.RawMessage(*part.Text)
		if !json.Valid(raw) {
			return nil, c.errf("structured output is not valid JSON")
		}
		return raw, nil
	}
	return nil, c.errf("no text part in structured response")
}

func (c *Client) generate(ctx context.Context, body map[string]any) (*geminiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, c.errf("marshal body: " + err.Error())
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, c.errf("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.errf("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.errf("read response: " + err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &brains.HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: brains.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, c.errf("parse response: " + err.Error())
	}
	return &parsed, nil
}

// buildBody maps runtime messages onto Gemini contents. Tool results become
// user-role functionResponse parts; assistant tool calls become model-role
// functionCall parts.
func (c *Client) buildBody(messages []brains.AgentMessage, system string, schema json.RawMessage) map[string]any {
	var contents []map[string]any
	var systemParts []string
	if system != "" {
		systemParts = append(systemParts, system)
	}

	for _, m := range messages {
		switch {
		case m.Role == "system":
			systemParts = append(systemParts, m.Content)

		case len(m.ToolCalls) > 0:
			parts := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				var args any = map[string]any{}
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &args); err != nil {
						args = map[string]any{}
					}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": tc.ToolName, "args": args},
				})
			}
			contents = append(contents, map[string]any{"role": "model", "parts": parts})

		case m.Role == "tool":
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{{
					"functionResponse": map[string]any{
						"name":     m.ToolName,
						"response": map[string]any{"result": m.Content},
					},
				}},
			})

		default:
			role := "user"
			if m.Role == "assistant" {
				role = "model"
			}
			contents = append(contents, map[string]any{
				"role":  role,
				"parts": []map[string]any{{"text": m.Content}},
			})
		}
	}

	genCfg := map[string]any{"temperature": c.temperature}
	if len(schema) > 0 {
		var s any
		if err := json.Unmarshal(schema, &s); err == nil {
			genCfg["responseMimeType"] = "application/json"
			genCfg["responseSchema"] = s
		}
	}

	body := map[string]any{
		"contents":         contents,
		"generationConfig": genCfg,
	}
	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(systemParts, "\n\n")}},
		}
	}
	return body
}

func (c *Client) errf(msg string) error {
	return &brains.LLMError{Provider: "gemini", Message: msg}
}

// ---- response shapes ----

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content struct {
		Parts []geminiPart `json:"parts"`
	} `json:"content"`
}

type geminiPart struct {
	Text         *string `json:"text"`
	Thought      bool    `json:"thought"`
	FunctionCall *struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"functionCall"`
}

type geminiUsage struct {
	TotalTokenCount int `json:"totalTokenCount"`
}

// Compile-time interface check.
var _ brains.TextGenerator = (*Client)(nil)

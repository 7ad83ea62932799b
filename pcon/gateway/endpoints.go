package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// JobHandle is the opaque identifier returned when a turn is submitted.
type JobHandle string

// Result is one answer to a poll of /api/results/{id}.
type Result struct {
	Completed bool   `json:"completed"`
	Message   string `json:"message,omitempty"`
}

// HasText reports whether the poll carried any text. An empty message is
// treated like an absent one.
func (r Result) HasText() bool {
	return r.Message != ""
}

// Prompt is one stored prompt version.
type Prompt struct {
	Version string `json:"version"`
	Name    string `json:"name"`
	Prompt  string `json:"prompt"`
}

// ActiveVersions maps each environment to its active prompt version.
type ActiveVersions struct {
	Staging string `json:"staging"`
	Prod    string `json:"prod"`
}

// For returns the active version for env.
func (a ActiveVersions) For(env string) string {
	switch env {
	case "staging":
		return a.Staging
	case "prod":
		return a.Prod
	}
	return ""
}

type submitRequest struct {
	Content string `json:"content"`
	Sender  string `json:"sender"`
}

type submitResponse struct {
	ResultID string `json:"result_id"`
}

type setActiveRequest struct {
	Environment string `json:"environment"`
	Version     string `json:"version"`
}

type systemMessageRequest struct {
	Prompt string `json:"prompt"`
	Role   string `json:"role,omitempty"`
}

type systemMessageResponse struct {
	Message string `json:"message"`
}

type promptsResponse struct {
	Prompts []Prompt `json:"prompts"`
}

const upperHex = "0123456789ABCDEF"

// EncodeContent percent-encodes user text the way encodeURIComponent does.
// Only ASCII letters, digits and -_.!~*'() pass through; every other byte
// of the UTF-8 encoding becomes %XX, so spaces are %20 and never '+'.
func EncodeContent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if componentSafe(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0F])
	}
	return b.String()
}

func componentSafe(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}

// SubmitMessage creates a remote job for a user turn.
func (c *Client) SubmitMessage(ctx context.Context, content string) (JobHandle, error) {
	var resp submitResponse
	req := submitRequest{Content: EncodeContent(content), Sender: "User"}
	if err := c.call(ctx, http.MethodPost, "/api/messages", req, schemaSubmit, &resp); err != nil {
		return "", err
	}
	if resp.ResultID == "" {
		return "", &TransportError{Op: "POST /api/messages", Err: ErrMalformedResponse}
	}
	return JobHandle(resp.ResultID), nil
}

// FetchResult queries the current state of a job.
func (c *Client) FetchResult(ctx context.Context, handle JobHandle) (Result, error) {
	var res Result
	err := c.call(ctx, http.MethodGet, "/api/results/"+url.PathEscape(string(handle)), nil, schemaResult, &res)
	return res, err
}

// ClearMessages resets the backend's conversation state.
func (c *Client) ClearMessages(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/messages/clear", nil, "", nil)
}

func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var resp promptsResponse
	if err := c.call(ctx, http.MethodGet, "/api/prompts", nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Prompts, nil
}

func (c *Client) ActiveVersions(ctx context.Context) (ActiveVersions, error) {
	var resp ActiveVersions
	err := c.call(ctx, http.MethodGet, "/api/prompts/active", nil, "", &resp)
	return resp, err
}

// SetActiveVersion binds version to env on the backend.
func (c *Client) SetActiveVersion(ctx context.Context, env, version string) error {
	req := setActiveRequest{Environment: env, Version: version}
	return c.call(ctx, http.MethodPost, "/api/prompts/active", req, "", nil)
}

func (c *Client) SystemMessage(ctx context.Context) (string, error) {
	var resp systemMessageResponse
	if err := c.call(ctx, http.MethodGet, "/api/system-message", nil, "", &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// SetSystemMessage replaces the backend's system message; role may be empty.
func (c *Client) SetSystemMessage(ctx context.Context, prompt, role string) error {
	req := systemMessageRequest{Prompt: prompt, Role: role}
	return c.call(ctx, http.MethodPost, "/api/system-message", req, "", nil)
}

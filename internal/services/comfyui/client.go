package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 512
)

// Config captures the runtime settings required to talk to the service.
type Config struct {
	BaseURL        string
	TimeoutSeconds int
}

// Client wraps the ComfyUI HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a ComfyUI client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// BaseURL returns the normalized service URL.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// StatusError reports a non-2xx response from the service.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("comfyui %s: http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("comfyui %s: http %d: %s", e.Op, e.StatusCode, body)
}

// Rejected reports whether the service refused the request as invalid rather
// than failing to handle it.
func (e *StatusError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// PromptError reports a /prompt response that was accepted at the HTTP level
// but still lists validation errors for the graph.
type PromptError struct {
	Message string
	Nodes   []string
}

func (e *PromptError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "graph failed validation"
	}
	if len(e.Nodes) == 0 {
		return "comfyui queue prompt: " + msg
	}
	return fmt.Sprintf("comfyui queue prompt: %s (nodes %s)", msg, strings.Join(e.Nodes, ", "))
}

func newPromptError(raw json.RawMessage, nodeErrors map[string]json.RawMessage) *PromptError {
	msg := errorMessage(raw)
	nodes := make([]string, 0, len(nodeErrors))
	for id := range nodeErrors {
		nodes = append(nodes, id)
	}
	if msg == "" && len(nodes) == 0 {
		return nil
	}
	sort.Strings(nodes)
	return &PromptError{Message: msg, Nodes: nodes}
}

// errorMessage reads the "error" field, which is either a string or an
// object with message and type keys.
func errorMessage(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var obj struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return string(trimmed)
	}
	if obj.Message != "" {
		return obj.Message
	}
	return obj.Type
}

// QueuePrompt submits a workflow graph and returns the prompt identifier.
func (c *Client) QueuePrompt(ctx context.Context, graph map[string]any, clientID string) (string, error) {
	payload := map[string]any{"prompt": graph}
	if clientID != "" {
		payload["client_id"] = clientID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("comfyui queue prompt: encode body: %w", err)
	}
	var resp struct {
		PromptID   string                     `json:"prompt_id"`
		Error      json.RawMessage            `json:"error"`
		NodeErrors map[string]json.RawMessage `json:"node_errors"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/prompt", "application/json", bytes.NewReader(body), "queue prompt", &resp); err != nil {
		return "", err
	}
	if promptErr := newPromptError(resp.Error, resp.NodeErrors); promptErr != nil {
		return "", promptErr
	}
	if strings.TrimSpace(resp.PromptID) == "" {
		return "", fmt.Errorf("comfyui queue prompt: response missing prompt_id")
	}
	return resp.PromptID, nil
}

// Status fetches the current state of promptID. Transport failures and non-2xx
// responses are returned as errors; payloads that decode to no known shape
// yield StatusUnknown with a nil error.
func (c *Client) Status(ctx context.Context, promptID string) (Status, error) {
	raw, err := c.get(ctx, "/history/"+url.PathEscape(promptID), "history")
	if err != nil {
		return Status{}, err
	}
	status, found := DecodeHistory(promptID, raw)
	if found {
		return status, nil
	}
	queueRaw, err := c.get(ctx, "/queue", "queue")
	if err != nil {
		return Status{}, err
	}
	return DecodeQueue(promptID, queueRaw), nil
}

// SystemStats queries /system_stats.
func (c *Client) SystemStats(ctx context.Context) (SystemStats, error) {
	var stats SystemStats
	if err := c.doJSON(ctx, http.MethodGet, "/system_stats", "", nil, "system stats", &stats); err != nil {
		return SystemStats{}, err
	}
	return stats, nil
}

// UploadedImage describes an image accepted by /upload/image.
type UploadedImage struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Ref returns the value loader nodes expect for the image.
func (u UploadedImage) Ref() string {
	if u.Subfolder == "" {
		return u.Name
	}
	return u.Subfolder + "/" + u.Name
}

// UploadImage posts the file at path to the service's input directory.
func (c *Client) UploadImage(ctx context.Context, path string) (UploadedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return UploadedImage{}, fmt.Errorf("comfyui upload image: open %s: %w", path, err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return UploadedImage{}, fmt.Errorf("comfyui upload image: form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return UploadedImage{}, fmt.Errorf("comfyui upload image: copy: %w", err)
	}
	if err := writer.WriteField("overwrite", "true"); err != nil {
		return UploadedImage{}, fmt.Errorf("comfyui upload image: form field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return UploadedImage{}, fmt.Errorf("comfyui upload image: close form: %w", err)
	}

	var uploaded UploadedImage
	if err := c.doJSON(ctx, http.MethodPost, "/upload/image", writer.FormDataContentType(), &buf, "upload image", &uploaded); err != nil {
		return UploadedImage{}, err
	}
	if uploaded.Name == "" {
		uploaded.Name = filepath.Base(path)
	}
	return uploaded, nil
}

// Interrupt asks the service to stop the currently executing prompt.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/interrupt", "application/json", strings.NewReader("{}"), "interrupt", nil)
}

func (c *Client) get(ctx context.Context, path, op string) ([]byte, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, path, "", nil, op, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, contentType string, body io.Reader, op string, out any) error {
	if c.cfg.BaseURL == "" {
		return errors.New("comfyui " + op + ": base url required")
	}
	endpoint := c.cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("comfyui %s: new request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("comfyui %s: http error (timeout=%s): %w", op, c.httpClient.Timeout, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("comfyui %s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: snippet}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("comfyui %s: decode response: %w", op, err)
	}
	return nil
}

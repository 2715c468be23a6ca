package redaction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/veilx-labs/veilx/backend/internal/detection"
	"go.uber.org/zap"
)

var (
	// ErrRendererUnavailable indicates the engine could not be reached or failed
	// server-side; the caller may retry.
	ErrRendererUnavailable = errors.New("redaction: renderer unavailable")
	// ErrInvalidClientConfig indicates required client configuration is missing.
	ErrInvalidClientConfig = errors.New("redaction: invalid client config")
)

// Artifact is one rendered redaction output. Artifacts are immutable;
// re-selection produces a new artifact rather than updating one.
type Artifact struct {
	Bytes       []byte
	ContentType string
}

// ClientConfig bundles configuration for the renderer client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client submits documents plus finalized selections to the external renderer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a renderer client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url required", ErrInvalidClientConfig)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

type renderRequest struct {
	DocB64       string           `json:"doc"`
	ContentType  string           `json:"content_type"`
	Sensitive    []detection.Span `json:"sensitive"`
	Level        int              `json:"level,omitempty"`
	CustomPrompt string           `json:"custom_prompt,omitempty"`
	RedactImages bool             `json:"redact_images,omitempty"`
	Mode         string           `json:"mode"`
}

// Render produces a redacted artifact for the document and selection.
// Precondition: the selection already validated against the detected spans.
// An empty selection is legal and yields bytes identical to the original.
func (c *Client) Render(ctx context.Context, original []byte, contentType string, spans []detection.Span, selection SelectionState) (Artifact, error) {
	if err := selection.ValidateAgainstSpans(spans); err != nil {
		return Artifact{}, err
	}

	if len(selection.ChosenSpanIDs) == 0 {
		// Nothing to remove; skip the engine round trip entirely.
		return Artifact{Bytes: original, ContentType: contentType}, nil
	}

	payload := renderRequest{
		DocB64:      base64.StdEncoding.EncodeToString(original),
		ContentType: contentType,
		Sensitive:   selection.ChosenSpans(spans),
		Level:       selection.Level,
		Mode:        string(selection.Mode),
	}
	if selection.Custom != nil {
		payload.CustomPrompt = selection.Custom.Prompt
		payload.RedactImages = selection.Custom.RedactImages
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Artifact{}, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return Artifact{}, err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrRendererUnavailable, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode >= 500:
		return Artifact{}, fmt.Errorf("%w: engine returned status %d", ErrRendererUnavailable, response.StatusCode)
	default:
		return Artifact{}, fmt.Errorf("redaction: unexpected engine status %d", response.StatusCode)
	}

	rendered, err := io.ReadAll(response.Body)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrRendererUnavailable, err)
	}

	renderedType := response.Header.Get("Content-Type")
	if renderedType == "" {
		renderedType = contentType
	}

	c.logger.Debug("render completed",
		zap.Int("span_count", len(selection.ChosenSpanIDs)),
		zap.Int("artifact_bytes", len(rendered)))

	return Artifact{Bytes: rendered, ContentType: renderedType}, nil
}

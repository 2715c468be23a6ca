package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrInvalidClientConfig indicates required client configuration is missing.
	ErrInvalidClientConfig = errors.New("detection: invalid client config")
)

// ClientConfig bundles configuration for the detection engine client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client submits documents to the external sensitive-data engine. The client
// never retries; retry policy belongs to the orchestrator.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a detection client with validated configuration.
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

// Input describes one document submitted for detection.
type Input struct {
	FileName     string
	MimeCategory string
	ContentType  string
	Payload      []byte
	Level        int
	CustomPrompt string
	RedactImages bool
}

type wireSpan struct {
	Start    uint   `json:"start"`
	End      uint   `json:"end"`
	Text     string `json:"text"`
	Category string `json:"type"`
}

type detectResponse struct {
	Sensitive          []wireSpan `json:"sensitive"`
	PreviewB64         string     `json:"annotated_b64"`
	PreviewContentType string     `json:"annotated_content_type"`
}

// Detect uploads the document and returns normalized spans plus the annotated
// preview artifact. It does not mutate the document.
func (c *Client) Detect(ctx context.Context, input Input) (Result, error) {
	if len(input.Payload) == 0 {
		return Result{}, fmt.Errorf("%w: empty document", ErrUnsupportedFormat)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	filePart, err := writer.CreateFormFile("file", input.FileName)
	if err != nil {
		return Result{}, err
	}
	if _, err := filePart.Write(input.Payload); err != nil {
		return Result{}, err
	}
	if err := writer.WriteField("fileType", input.MimeCategory); err != nil {
		return Result{}, err
	}
	if input.CustomPrompt != "" {
		if err := writer.WriteField("customPrompt", input.CustomPrompt); err != nil {
			return Result{}, err
		}
		if err := writer.WriteField("redactImages", strconv.FormatBool(input.RedactImages)); err != nil {
			return Result{}, err
		}
	} else {
		if err := writer.WriteField("level", strconv.Itoa(input.Level)); err != nil {
			return Result{}, err
		}
	}
	if err := writer.Close(); err != nil {
		return Result{}, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", body)
	if err != nil {
		return Result{}, err
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	response, err := c.httpClient.Do(request)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDetectionUnavailable, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode == http.StatusUnsupportedMediaType || response.StatusCode == http.StatusBadRequest:
		return Result{}, fmt.Errorf("%w: engine returned status %d", ErrUnsupportedFormat, response.StatusCode)
	case response.StatusCode >= 500:
		return Result{}, fmt.Errorf("%w: engine returned status %d", ErrDetectionUnavailable, response.StatusCode)
	default:
		return Result{}, fmt.Errorf("detection: unexpected engine status %d", response.StatusCode)
	}

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDetectionUnavailable, err)
	}

	var decoded detectResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	spans, err := normalizeSpans(decoded.Sensitive)
	if err != nil {
		return Result{}, err
	}

	preview := []byte(nil)
	if decoded.PreviewB64 != "" {
		preview, err = base64.StdEncoding.DecodeString(decoded.PreviewB64)
		if err != nil {
			return Result{}, fmt.Errorf("%w: preview decode: %v", ErrMalformedResponse, err)
		}
	}

	c.logger.Debug("detection completed",
		zap.String("file_name", input.FileName),
		zap.Int("span_count", len(spans)))

	return Result{
		Spans:              spans,
		Preview:            preview,
		PreviewContentType: decoded.PreviewContentType,
	}, nil
}

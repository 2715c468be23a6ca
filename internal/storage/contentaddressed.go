package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// ContentAddressedConfig bundles settings for the IPFS-API-style sink.
type ContentAddressedConfig struct {
	APIBaseURL string
	HTTPClient *http.Client
}

// ContentAddressedSink uploads artifacts to a content-addressed network where
// the retrieval address is a deterministic function of the bytes. Because
// re-adding identical content is a no-op on the network side, the coordinator
// gets idempotence for this sink for free.
type ContentAddressedSink struct {
	apiBaseURL string
	httpClient *http.Client
}

// NewContentAddressedSink constructs the content-addressed sink.
func NewContentAddressedSink(cfg ContentAddressedConfig) (*ContentAddressedSink, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("storage: content-addressed api base url required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ContentAddressedSink{apiBaseURL: baseURL, httpClient: httpClient}, nil
}

// Kind identifies the sink.
func (s *ContentAddressedSink) Kind() SinkKind {
	return SinkContentAddressed
}

type addResponse struct {
	Hash string `json:"Hash"`
}

// Put adds the payload to the network and returns its ipfs:// address. The key
// argument is ignored; the address derives from content alone.
func (s *ContentAddressedSink) Put(ctx context.Context, _ string, payload []byte, _ string) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "artifact")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(payload); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBaseURL+"/api/v0/add", body)
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	response, err := s.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: node returned status %d", ErrStorageUnavailable, response.StatusCode)
	}

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	var decoded addResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if decoded.Hash == "" {
		return "", fmt.Errorf("%w: node returned empty hash", ErrStorageUnavailable)
	}

	return "ipfs://" + decoded.Hash, nil
}

package detection

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func mustClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	return client
}

func testInput() Input {
	return Input{
		FileName:     "resume.pdf",
		MimeCategory: "pdf",
		ContentType:  "application/pdf",
		Payload:      []byte("John lives in Springfield."),
		Level:        2,
	}
}

func TestDetectAssignsSpanIDsInEngineOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("failed to parse multipart form: %v", err)
		}
		if got := r.FormValue("fileType"); got != "pdf" {
			t.Errorf("unexpected fileType %q", got)
		}
		if got := r.FormValue("level"); got != "2" {
			t.Errorf("unexpected level %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"sensitive": [
				{"start": 0, "end": 4, "text": "John", "type": "NAME"},
				{"start": 14, "end": 25, "text": "Springfield", "type": "LOCATION"}
			]
		}`))
	}))
	defer server.Close()

	result, err := mustClient(t, server.URL).Detect(context.Background(), testInput())
	if err != nil {
		t.Fatalf("unexpected detect error: %v", err)
	}
	if len(result.Spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(result.Spans))
	}
	if result.Spans[0].ID != "s0" || result.Spans[1].ID != "s1" {
		t.Fatalf("span ids must follow engine order, got %q and %q", result.Spans[0].ID, result.Spans[1].ID)
	}
	if result.Spans[0].Text != "John" || result.Spans[0].Category != "NAME" {
		t.Fatalf("unexpected first span: %#v", result.Spans[0])
	}
}

func TestDetectSendsCustomPromptInsteadOfLevel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("failed to parse multipart form: %v", err)
		}
		if got := r.FormValue("customPrompt"); got != "hide all names" {
			t.Errorf("unexpected customPrompt %q", got)
		}
		if got := r.FormValue("redactImages"); got != "true" {
			t.Errorf("unexpected redactImages %q", got)
		}
		if got := r.FormValue("level"); got != "" {
			t.Errorf("level must be absent when a custom prompt is set, got %q", got)
		}
		w.Write([]byte(`{"sensitive": []}`))
	}))
	defer server.Close()

	input := testInput()
	input.Level = 0
	input.CustomPrompt = "hide all names"
	input.RedactImages = true

	if _, err := mustClient(t, server.URL).Detect(context.Background(), input); err != nil {
		t.Fatalf("unexpected detect error: %v", err)
	}
}

func TestDetectDecodesAnnotatedPreview(t *testing.T) {
	preview := []byte("annotated-preview")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"sensitive": [],
			"annotated_b64": "` + base64.StdEncoding.EncodeToString(preview) + `",
			"annotated_content_type": "application/pdf"
		}`))
	}))
	defer server.Close()

	result, err := mustClient(t, server.URL).Detect(context.Background(), testInput())
	if err != nil {
		t.Fatalf("unexpected detect error: %v", err)
	}
	if string(result.Preview) != string(preview) {
		t.Fatalf("unexpected preview bytes: %q", result.Preview)
	}
	if result.PreviewContentType != "application/pdf" {
		t.Fatalf("unexpected preview content type: %q", result.PreviewContentType)
	}
}

func TestDetectRejectsInvertedSpanBounds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sensitive": [{"start": 10, "end": 4, "text": "bad", "type": "NAME"}]}`))
	}))
	defer server.Close()

	_, err := mustClient(t, server.URL).Detect(context.Background(), testInput())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}

func TestDetectMapsEngineStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "unsupported media type", status: http.StatusUnsupportedMediaType, want: ErrUnsupportedFormat},
		{name: "bad request", status: http.StatusBadRequest, want: ErrUnsupportedFormat},
		{name: "server error", status: http.StatusInternalServerError, want: ErrDetectionUnavailable},
		{name: "bad gateway", status: http.StatusBadGateway, want: ErrDetectionUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			_, err := mustClient(t, server.URL).Detect(context.Background(), testInput())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDetectUnreachableEngineIsUnavailable(t *testing.T) {
	_, err := mustClient(t, "http://127.0.0.1:1").Detect(context.Background(), testInput())
	if !errors.Is(err, ErrDetectionUnavailable) {
		t.Fatalf("expected detection unavailable, got %v", err)
	}
}

func TestDetectEmptyDocumentIsUnsupported(t *testing.T) {
	input := testInput()
	input.Payload = nil
	_, err := mustClient(t, "http://127.0.0.1:1").Detect(context.Background(), input)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format for empty payload, got %v", err)
	}
}

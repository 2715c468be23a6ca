package detection

import (
	"errors"
	"fmt"
)

var (
	// ErrDetectionUnavailable indicates the engine could not be reached or failed
	// server-side; the caller may retry.
	ErrDetectionUnavailable = errors.New("detection: engine unavailable")
	// ErrUnsupportedFormat indicates the engine rejected the document format;
	// retrying the same document cannot succeed.
	ErrUnsupportedFormat = errors.New("detection: unsupported document format")
	// ErrMalformedResponse indicates the engine answered with spans that violate
	// the span contract.
	ErrMalformedResponse = errors.New("detection: malformed engine response")
)

// Span is a contiguous sensitive text range flagged by the engine. Identifiers
// are assigned client-side in engine order so selections can reference them.
type Span struct {
	ID       string `json:"id"`
	Start    uint   `json:"start"`
	End      uint   `json:"end"`
	Text     string `json:"text"`
	Category string `json:"category"`
}

// Result carries the normalized detection output for one document.
type Result struct {
	Spans              []Span
	Preview            []byte
	PreviewContentType string
}

// SpanIDSet returns the set of span identifiers present in the result.
func (r Result) SpanIDSet() map[string]struct{} {
	set := make(map[string]struct{}, len(r.Spans))
	for _, span := range r.Spans {
		set[span.ID] = struct{}{}
	}
	return set
}

func normalizeSpans(raw []wireSpan) ([]Span, error) {
	spans := make([]Span, 0, len(raw))
	for index, item := range raw {
		if item.Start >= item.End {
			return nil, fmt.Errorf("%w: span %d has start %d >= end %d", ErrMalformedResponse, index, item.Start, item.End)
		}
		spans = append(spans, Span{
			ID:       fmt.Sprintf("s%d", index),
			Start:    item.Start,
			End:      item.End,
			Text:     item.Text,
			Category: item.Category,
		})
	}
	return spans, nil
}

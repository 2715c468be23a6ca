package redaction

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/veilx-labs/veilx/backend/internal/detection"
)

// Mode is the visual treatment applied to redacted spans.
type Mode string

const (
	// ModeBlack covers spans with solid black boxes.
	ModeBlack Mode = "black"
	// ModeWhite covers spans with solid white boxes.
	ModeWhite Mode = "white"
	// ModeBlur blurs span regions instead of covering them.
	ModeBlur Mode = "blur"
)

const (
	minLevel = 1
	maxLevel = 4
)

var (
	// ErrInvalidMode indicates an unrecognized redaction mode.
	ErrInvalidMode = errors.New("redaction: invalid mode")
	// ErrInvalidLevel indicates a preset level outside 1..4.
	ErrInvalidLevel = errors.New("redaction: invalid level")
	// ErrAmbiguousAggressiveness indicates both (or neither) of level and custom were set.
	ErrAmbiguousAggressiveness = errors.New("redaction: exactly one of level or custom must be set")
	// ErrInvalidSelection indicates chosen span ids that detection never produced.
	ErrInvalidSelection = errors.New("redaction: selection references unknown spans")
)

// CustomInstructions carries a free-form aggressiveness prompt.
type CustomInstructions struct {
	Prompt       string `json:"prompt"`
	RedactImages bool   `json:"redact_images"`
}

// SelectionState holds the user's chosen subset of spans plus the redaction
// treatment. Exactly one of Level or Custom is set.
type SelectionState struct {
	ChosenSpanIDs []string            `json:"chosen_span_ids"`
	Mode          Mode                `json:"mode"`
	Level         int                 `json:"level,omitempty"`
	Custom        *CustomInstructions `json:"custom,omitempty"`
}

// ParseMode maps raw input to a Mode.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ModeBlack):
		return ModeBlack, nil
	case string(ModeWhite):
		return ModeWhite, nil
	case string(ModeBlur):
		return ModeBlur, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, value)
	}
}

// NewSelectionState validates and normalizes selection input. Duplicate span
// ids collapse; an empty selection is legal.
func NewSelectionState(chosenSpanIDs []string, mode Mode, level int, custom *CustomInstructions) (SelectionState, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return SelectionState{}, err
	}

	hasLevel := level != 0
	hasCustom := custom != nil
	if hasLevel == hasCustom {
		return SelectionState{}, ErrAmbiguousAggressiveness
	}
	if hasLevel && (level < minLevel || level > maxLevel) {
		return SelectionState{}, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	if hasCustom && strings.TrimSpace(custom.Prompt) == "" {
		return SelectionState{}, fmt.Errorf("%w: empty custom prompt", ErrAmbiguousAggressiveness)
	}

	seen := make(map[string]struct{}, len(chosenSpanIDs))
	normalized := make([]string, 0, len(chosenSpanIDs))
	for _, id := range chosenSpanIDs {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	sort.Strings(normalized)

	return SelectionState{
		ChosenSpanIDs: normalized,
		Mode:          mode,
		Level:         level,
		Custom:        custom,
	}, nil
}

// ValidateAgainstSpans enforces that every chosen span id was produced by
// detection for this document. It must pass before the renderer is called.
func (s SelectionState) ValidateAgainstSpans(spans []detection.Span) error {
	known := make(map[string]struct{}, len(spans))
	for _, span := range spans {
		known[span.ID] = struct{}{}
	}
	for _, id := range s.ChosenSpanIDs {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("%w: %q", ErrInvalidSelection, id)
		}
	}
	return nil
}

// ChosenSpans filters the detected spans down to the selection.
func (s SelectionState) ChosenSpans(spans []detection.Span) []detection.Span {
	chosen := make(map[string]struct{}, len(s.ChosenSpanIDs))
	for _, id := range s.ChosenSpanIDs {
		chosen[id] = struct{}{}
	}
	filtered := make([]detection.Span, 0, len(s.ChosenSpanIDs))
	for _, span := range spans {
		if _, ok := chosen[span.ID]; ok {
			filtered = append(filtered, span)
		}
	}
	return filtered
}

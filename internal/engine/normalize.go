package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

// Normalize converts any accepted engine response shape into a Transcript.
// It accepts a segments (or lines) array or a flat text string; text alone
// becomes one untimed segment. Leading whitespace is stripped from every
// segment because the engine prepends a space. A missing or null text becomes
// empty; any other non-string text is flagged on the segment. Type problems
// inside entries are left for Transcript.Validate to reject.
func Normalize(body []byte) (*model.Transcript, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decode engine response: not an object")
	}
	tr := &model.Transcript{}
	if lang, ok := raw["language"].(string); ok {
		tr.Language = lang
	}
	tr.DurationSeconds = number(raw["duration_seconds"])
	if tr.DurationSeconds == nil {
		tr.DurationSeconds = number(raw["duration"])
	}
	if text, ok := raw["text"].(string); ok {
		tr.Text = &text
	}

	items, ok := raw["segments"].([]any)
	if !ok {
		items, ok = raw["lines"].([]any)
	}
	switch {
	case ok:
		tr.Segments = make([]model.Segment, 0, len(items))
		for _, item := range items {
			entry, _ := item.(map[string]any)
			text, isString := segmentText(entry["text"])
			tr.Segments = append(tr.Segments, model.Segment{
				Start:       number(entry["start"]),
				End:         number(entry["end"]),
				Text:        text,
				TextInvalid: !isString,
			})
		}
	case tr.Text != nil:
		tr.Segments = []model.Segment{{Text: trimLeading(*tr.Text)}}
	}
	return tr, nil
}

func number(v any) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

// segmentText reports false when v is present but not a string.
func segmentText(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return trimLeading(t), true
	default:
		return "", false
	}
}

func trimLeading(s string) string {
	return strings.TrimLeftFunc(s, unicode.IsSpace)
}

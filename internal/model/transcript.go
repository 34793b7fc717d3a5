package model

import (
	"fmt"
)

// Segment is a timed span of transcript text. Start and End are nil when the
// engine returned untimed text.
type Segment struct {
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
	Text  string   `json:"text"`
	// TextInvalid marks an engine entry whose text was present but not a
	// string. Such a segment never validates.
	TextInvalid bool `json:"-"`
}

// Transcript is the single internal representation of an engine response and
// the document persisted to the results bucket.
type Transcript struct {
	Language        string    `json:"language,omitempty"`
	Text            *string   `json:"text,omitempty"`
	Segments        []Segment `json:"segments"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
}

// MapText rewrites every text field in place: the flat text (when present)
// and each segment.
func (t *Transcript) MapText(fn func(string) string) {
	if t.Text != nil {
		v := fn(*t.Text)
		t.Text = &v
	}
	for i := range t.Segments {
		t.Segments[i].Text = fn(t.Segments[i].Text)
	}
}

// Validate checks the persisted-document invariants: at least one segment,
// every segment timed with start <= end and carrying string text.
func (t *Transcript) Validate() error {
	if len(t.Segments) == 0 {
		return fmt.Errorf("%w: no segments", ErrInvalidTranscript)
	}
	for i, seg := range t.Segments {
		if seg.Start == nil || seg.End == nil {
			return fmt.Errorf("%w: segment %d missing timestamps", ErrInvalidTranscript, i)
		}
		if seg.TextInvalid {
			return fmt.Errorf("%w: segment %d text is not a string", ErrInvalidTranscript, i)
		}
		if *seg.Start > *seg.End {
			return fmt.Errorf("%w: segment %d starts after it ends", ErrInvalidTranscript, i)
		}
	}
	return nil
}

// Duration returns the engine-reported duration, or the end of the last
// timed segment when the engine omitted it.
func (t *Transcript) Duration() *float64 {
	if t.DurationSeconds != nil {
		d := *t.DurationSeconds
		return &d
	}
	for i := len(t.Segments) - 1; i >= 0; i-- {
		if end := t.Segments[i].End; end != nil {
			d := *end
			return &d
		}
	}
	return nil
}

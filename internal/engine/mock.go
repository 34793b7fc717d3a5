package engine

import (
	"context"
	"errors"
	"time"

	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

// ErrMockInProduction is returned when the mock engine is selected in a
// production environment.
var ErrMockInProduction = errors.New("mock engine is disabled in production")

// Mock returns a fixed two-line transcript after a short delay. It is meant
// for local development without a running engine.
type Mock struct {
	Delay time.Duration
}

// NewMock refuses to build in production.
func NewMock(environment string) (*Mock, error) {
	if environment == "production" {
		return nil, ErrMockInProduction
	}
	return &Mock{Delay: 300 * time.Millisecond}, nil
}

func (m *Mock) Transcribe(ctx context.Context, _ string, language string) (*model.Transcript, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.Delay):
	}
	at := func(v float64) *float64 { return &v }
	return &model.Transcript{
		Language: language,
		Segments: []model.Segment{
			{Start: at(0), End: at(2.5), Text: "This is line 1."},
			{Start: at(2.5), End: at(5), Text: "This is line 2."},
		},
	}, nil
}

func (m *Mock) Ping(context.Context) (int, []byte, error) {
	return 200, []byte(`{"status":"ok","engine":"mock"}`), nil
}

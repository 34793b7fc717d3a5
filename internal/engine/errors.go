package engine

import (
	"errors"
	"fmt"

	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

// FailureKind classifies why one strategy attempt failed.
type FailureKind string

const (
	// KindBodyRequired: the engine answered 422 naming a missing upload field,
	// i.e. it wants the audio in the body rather than by reference.
	KindBodyRequired FailureKind = "body_required"
	// KindRouteMissing: 404 or 405, the route does not take this encoding.
	KindRouteMissing FailureKind = "route_missing"
	// KindRejected: any other 4xx.
	KindRejected FailureKind = "rejected"
	// KindUnavailable: 5xx, transport error or timeout.
	KindUnavailable FailureKind = "unavailable"
	// KindBadResponse: 2xx whose body is not a JSON object.
	KindBadResponse FailureKind = "bad_response"
	// KindDownload: the audio bytes could not be fetched for an upload strategy.
	KindDownload FailureKind = "download_failed"
)

// rejected reports whether the engine refused the request (4xx class).
func (k FailureKind) rejected() bool {
	return k == KindBodyRequired || k == KindRouteMissing || k == KindRejected
}

// Attempt records one failed strategy.
type Attempt struct {
	Strategy string
	Status   int
	Kind     FailureKind
	Err      error
}

func (a Attempt) String() string {
	if a.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", a.Strategy, a.Kind, a.Status, a.Err)
	}
	return fmt.Sprintf("%s: %s: %v", a.Strategy, a.Kind, a.Err)
}

// Error is returned when the cascade is exhausted or aborted. Kind is one of
// model.ErrEngineRejected, model.ErrEngineUnavailable, model.ErrDownloadFailed.
type Error struct {
	Kind     error
	Attempts []Attempt
}

func (e *Error) Error() string {
	if len(e.Attempts) == 0 {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v after %d attempt(s); last %s", e.Kind, len(e.Attempts), e.Last())
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Last returns the final failed attempt.
func (e *Error) Last() Attempt {
	if len(e.Attempts) == 0 {
		return Attempt{}
	}
	return e.Attempts[len(e.Attempts)-1]
}

// exhausted picks the surfaced kind: rejected only when every attempt was a
// 4xx, otherwise unavailable.
func exhausted(attempts []Attempt) *Error {
	kind := model.ErrEngineRejected
	for _, a := range attempts {
		if !a.Kind.rejected() {
			kind = model.ErrEngineUnavailable
			break
		}
	}
	return &Error{Kind: kind, Attempts: attempts}
}

// errDownload marks a failure to fetch audio bytes.
var errDownload = errors.New("download audio")

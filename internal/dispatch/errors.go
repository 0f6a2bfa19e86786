package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"batch-dispatcher/internal/retry"
	"batch-dispatcher/internal/sequence"
)

// Configuration errors, returned synchronously and never retried.
var (
	ErrInvalidBatchSize   = errors.New("dispatch: invalid batch size")
	ErrNoActiveIdentities = errors.New("dispatch: no active identities")
	ErrInvalidPayload     = errors.New("dispatch: invalid payload")
	ErrInvalidIdentity    = errors.New("dispatch: invalid identity")
	ErrIdentityExists     = errors.New("dispatch: identity already registered")
	ErrIdentityInactive   = errors.New("dispatch: identity inactive")
	ErrRunInProgress      = errors.New("dispatch: run already in progress")
	ErrNotProcessed       = errors.New("dispatch: job not processed")
)

// Submission-layer errors. Executors wrap one of these so the engine can
// classify a failure without knowing the transport.
var (
	ErrTransient        = errors.New("submission: transient failure")
	ErrRateLimited      = errors.New("submission: rate limited")
	ErrUnauthorized     = errors.New("submission: unauthorized")
	ErrSequenceMismatch = errors.New("submission: sequence mismatch")
	ErrRejected         = errors.New("submission: rejected")
)

// Class groups failures by how the engine reacts to them.
type Class int

const (
	// ClassTransient failures are retried and requeued.
	ClassTransient Class = iota
	// ClassPermanent failures fail the job without requeue.
	ClassPermanent
	// ClassIdentityFatal failures fail the job and deactivate the identity.
	ClassIdentityFatal
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassIdentityFatal:
		return "identity_fatal"
	default:
		return "transient"
	}
}

// Classify maps a submission error to its Class. Unknown errors are transient.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, ErrUnauthorized):
		return ClassIdentityFatal
	case errors.Is(err, ErrRejected),
		errors.Is(err, ErrIdentityInactive),
		errors.Is(err, sequence.ErrIdentityInactive),
		errors.Is(err, sequence.ErrUnknownIdentity),
		errors.Is(err, retry.ErrCancelled),
		errors.Is(err, context.Canceled),
		retry.IsPermanent(err):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrSequenceMismatch):
		return "sequence_mismatch"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, retry.ErrAttemptTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// PayloadIssue is one invalid payload in a CreateJobs call.
type PayloadIssue struct {
	Index int    `json:"index"`
	Err   error  `json:"-"`
	Msg   string `json:"error"`
}

// ValidationError aggregates every invalid payload of a batch.
type ValidationError struct {
	Issues []PayloadIssue `json:"issues"`
}

func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.Issues))
	for _, is := range v.Issues {
		parts = append(parts, fmt.Sprintf("[%d] %s", is.Index, is.Msg))
	}
	return fmt.Sprintf("dispatch: %d invalid payload(s): %s", len(v.Issues), strings.Join(parts, "; "))
}

// Unwrap exposes each issue so errors.Is(err, ErrInvalidPayload) holds.
func (v *ValidationError) Unwrap() []error {
	out := make([]error, 0, len(v.Issues))
	for _, is := range v.Issues {
		out = append(out, is.Err)
	}
	return out
}

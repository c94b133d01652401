package sink

import (
	"errors"

	"google.golang.org/api/googleapi"
)

// Outcome is the classified disposition of a remote failure.
type Outcome int

// Classified outcomes.
const (
	// OutcomeRetry re-raises so the host's buffering layer retries the
	// whole batch later.
	OutcomeRetry Outcome = iota
	// OutcomeFallback hands the batch to the secondary destination.
	OutcomeFallback
	// OutcomeFatal surfaces an unrecoverable delivery failure.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetry:
		return "retry"
	case OutcomeFallback:
		return "fallback"
	default:
		return "fatal"
	}
}

// retryableReasons is the fixed set of transient remote failure reasons.
var retryableReasons = map[string]bool{
	"backendError":      true,
	"internalError":     true,
	"rateLimitExceeded": true,
	"tableUnavailable":  true,
}

// Classifier maps remote failures into {Retry, Fallback, Fatal}.
type Classifier struct {
	// HasFallback routes unrecognized reasons to the secondary
	// destination instead of failing the batch.
	HasFallback bool
}

// Classify maps a status code and failure reason to an outcome.
func (c *Classifier) Classify(statusCode int, reason string) Outcome {
	_ = statusCode
	if retryableReasons[reason] {
		return OutcomeRetry
	}
	if c.HasFallback {
		return OutcomeFallback
	}
	return OutcomeFatal
}

// ClassifyErr classifies a remote API error.
func (c *Classifier) ClassifyErr(err error) Outcome {
	return c.Classify(statusCode(err), errorReason(err))
}

// statusCode extracts the HTTP status from a remote API error, 0 if none.
func statusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// errorReason extracts the first error reason from a remote API error.
func errorReason(err error) string {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && len(apiErr.Errors) > 0 {
		return apiErr.Errors[0].Reason
	}
	return ""
}

package worker

import (
	"errors"
	"net/http"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
)

// Decision is the retry policy's verdict on a task failure.
type Decision struct {
	Retry bool
	// TooManyRequests routes the retry delay through TooManyRequestsDelay.
	TooManyRequests bool
	// Code is recorded on the task result. Only fatal errors carry one.
	Code string
}

// Classify decides whether a failed task gets a retry task. Explicit worker
// errors are fatal unless they say otherwise, HTTP 408, 429 and 5xx other than
// 505 are transient, any other HTTP status is fatal, and everything else is
// retried because its failure mode is unknown.
func Classify(err error) Decision {
	var werr *domain.WorkerError
	if errors.As(err, &werr) {
		if werr.Retryable {
			return Decision{Retry: true}
		}
		return Decision{Code: werr.Code}
	}

	var herr *domain.HTTPStatusError
	if errors.As(err, &herr) {
		if retryableStatus(herr.StatusCode) {
			return Decision{Retry: true, TooManyRequests: herr.StatusCode == http.StatusTooManyRequests}
		}
		return Decision{Code: domain.HTTPErrorCode(herr.StatusCode)}
	}

	// Timeouts, connection resets and unknown errors.
	return Decision{Retry: true}
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code == http.StatusHTTPVersionNotSupported:
		return false
	case code >= 500 && code <= 599:
		return true
	}
	return false
}

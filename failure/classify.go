// Package failure classifies errors into retry classes and computes
// retry backoff delays for the execute stage.
package failure

import (
	"errors"
	"strings"

	"github.com/meridianhq/meridian/model"
)

// Class is the retry classification of an error.
type Class string

const (
	Retriable              Class = "retriable"
	NonRetriableClient     Class = "non_retriable_client"
	NonRetriableCredential Class = "non_retriable_credential"
	NonRetriableQuota      Class = "non_retriable_quota"
)

// Classification pairs the retry class with the error kind recorded on
// the job artifact.
type Classification struct {
	Class Class
	Kind  model.ErrorKind
}

// Retriable reports whether the classified error is safe to retry.
func (c Classification) Retriable() bool { return c.Class == Retriable }

// statusCoder is the shape an error exposes when the underlying tool
// surfaced an HTTP-style status.
type statusCoder interface {
	StatusCode() int
}

// timeoutCodes are error codes and names that mark an error as a
// timeout when no status code is present.
var timeoutCodes = []string{
	"ERR_TIMEOUT",
	"ETIMEDOUT",
	"ECONNABORTED",
	"TimeoutError",
	"AbortError",
}

// Classify maps an arbitrary error onto a retry class. A status code,
// when present, takes precedence over timeout detection. Errors with
// no recognizable shape classify as retriable so transient faults are
// not silently dropped.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Class: Retriable, Kind: model.ErrKindSandboxFailure}
	}

	if status, ok := extractStatus(err); ok && status != 0 {
		return classifyStatus(status)
	}

	if isTimeout(err) {
		return Classification{Class: Retriable, Kind: model.ErrKindTimeout}
	}

	return Classification{Class: Retriable, Kind: model.ErrKindSandboxFailure}
}

func extractStatus(err error) (int, bool) {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode(), true
	}
	return 0, false
}

func classifyStatus(status int) Classification {
	switch status {
	case 401, 403:
		return Classification{Class: NonRetriableCredential, Kind: model.ErrKindAuthentication}
	case 402:
		return Classification{Class: NonRetriableQuota, Kind: model.ErrKindRateLimit}
	case 400, 404, 422:
		return Classification{Class: NonRetriableClient, Kind: model.ErrKindValidation}
	case 429:
		return Classification{Class: Retriable, Kind: model.ErrKindRateLimit}
	}
	switch {
	case status >= 500:
		return Classification{Class: Retriable, Kind: model.ErrKindSandboxFailure}
	case status >= 400:
		return Classification{Class: NonRetriableClient, Kind: model.ErrKindValidation}
	}
	return Classification{Class: Retriable, Kind: model.ErrKindSandboxFailure}
}

func isTimeout(err error) bool {
	msg := err.Error()
	for _, code := range timeoutCodes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

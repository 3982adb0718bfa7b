package provider

import (
	"fmt"
	"strings"
)

// ValidationError reports bad, missing or unsupported request parameters.
// It is returned to the caller at creation time and never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a lookup for an unregistered provider name.
type NotFoundError struct {
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("provider %q not found, available providers: %s",
		e.Name, strings.Join(e.Available, ", "))
}

// StagingError reports a failure while uploading input media into the
// provider's temporary storage. Retrying the staging step alone is safe.
type StagingError struct {
	URL string
	Err error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("stage input %s: %v", e.URL, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// RemoteError reports that the provider rejected the request or failed the
// remote job. Payload carries the provider's raw response for diagnosis.
type RemoteError struct {
	Provider string
	Message  string
	Payload  string
}

func (e *RemoteError) Error() string {
	if e.Payload != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Message, e.Payload)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// TimeoutError reports that the remote job never reached a terminal state
// within the polling ceiling. The job may still be running provider-side.
type TimeoutError struct {
	Provider string
	RemoteID string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: task %s did not reach a terminal state after %d polls",
		e.Provider, e.RemoteID, e.Attempts)
}

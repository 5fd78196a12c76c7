package fetch

import "fmt"

// InstanceError describes why a single instance attempt failed. It is only
// logged by the failover loop, never returned from Get.
type InstanceError struct {
	Instance   string // Base URL of the instance that failed
	StatusCode int    // HTTP status code, 0 for transport or parse failures
	Reason     string // Human-readable failure summary
	Err        error  // Underlying error, if any
}

func (e *InstanceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("instance %s failed (HTTP %d): %s", e.Instance, e.StatusCode, e.Reason)
	}

	return fmt.Sprintf("instance %s failed: %s", e.Instance, e.Reason)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned by Open when every instance failed.
type ExhaustedError struct {
	Path     string
	Attempts int
	Err      error // last instance error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d instances failed for %s: %v", e.Attempts, e.Path, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

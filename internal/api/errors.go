package api

import "fmt"

// AuthError indicates a missing or rejected credential. Core operations halt
// on it until the surrounding application re-authenticates.
type AuthError struct {
	Status int // HTTP status, or 0 when the credential was never available
}

func (e *AuthError) Error() string {
	if e.Status == 0 {
		return "api: credentials not available"
	}
	return fmt.Sprintf("api: authentication rejected (status %d)", e.Status)
}

// NetworkError indicates a failed fetch. Operations are abandoned without
// retry; callers keep showing previously cached state.
type NetworkError struct {
	Op  string // which endpoint failed, e.g. "conversations"
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("api: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

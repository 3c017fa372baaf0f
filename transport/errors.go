package transport

import (
	"errors"
	"fmt"
)

const networkErrorCode = "000"

// NetworkError means no response was received.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %s", networkErrorCode, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServiceError means the service answered with a non-success status.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// CancelError means the caller aborted the request.
type CancelError struct {
	Err error
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("upload cancelled: %s", e.Err)
}

func (e *CancelError) Unwrap() error {
	return e.Err
}

// IsCancel reports whether err is (or wraps) a CancelError.
func IsCancel(err error) bool {
	var cancelErr *CancelError
	return errors.As(err, &cancelErr)
}

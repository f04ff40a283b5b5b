package scrapbookd

import "net/http"

// engineError is an error carrying the HTTP status it should be reported as.
type engineError struct {
	status  int
	message string
}

func (e *engineError) Error() string { return e.message }

func newError(status int, message string) *engineError {
	return &engineError{status: status, message: message}
}

func errNotFound(message string) *engineError      { return newError(http.StatusNotFound, message) }
func errForbidden(message string) *engineError     { return newError(http.StatusForbidden, message) }
func errBadRequest(message string) *engineError    { return newError(http.StatusBadRequest, message) }
func errInternal(message string) *engineError      { return newError(http.StatusInternalServerError, message) }
func errUnauthenticated(message string) *engineError {
	return newError(http.StatusUnauthorized, message)
}

// statusOf unwraps an engineError's status, defaulting to 500 for anything
// else.
func statusOf(err error) (int, string) {
	if ee, ok := err.(*engineError); ok {
		return ee.status, ee.message
	}
	return http.StatusInternalServerError, err.Error()
}

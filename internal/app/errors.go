package app

import "fmt"

// DomainError is a business-rule failure that maps directly onto an HTTP
// response: Status becomes the response code and Code/Message/Details the
// body. Anything else bubbling out of the service is treated as internal.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

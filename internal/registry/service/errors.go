package service

import "fmt"

// Registration failure reason codes, surfaced verbatim to callers so intake
// clients can branch on them.
const (
	ReasonFetchError   = "fetch_error"
	ReasonParseError   = "parse_error"
	ReasonNoCoverage   = "no_coverage_declared"
	ReasonAmbiguous    = "ambiguous_place"
	ReasonUnknownPlace = "unknown_place"
)

// RegistrationError reports a registration rejected for a specific reason.
// Code is one of the Reason constants, with the offending place reference
// appended for place-resolution failures ("ambiguous_place:Springfield").
type RegistrationError struct {
	Code  string
	cause error
}

func (e *RegistrationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("registration rejected (%s): %v", e.Code, e.cause)
	}
	return "registration rejected (" + e.Code + ")"
}

func (e *RegistrationError) Unwrap() error { return e.cause }

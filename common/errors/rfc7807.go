package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ProblemDetails represents RFC 7807 compliant error response
// RFC 7807: Problem Details for HTTP APIs
type ProblemDetails struct {
	// Type is a URI reference that identifies the problem type
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Status is the HTTP status code
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence of the problem
	Detail string `json:"detail"`
	// Instance is a URI reference that identifies the specific occurrence of the problem
	Instance string `json:"instance,omitempty"`
	// Timestamp when the error occurred
	Timestamp time.Time `json:"timestamp"`
	// Errors contains field-specific validation errors
	Errors []FieldError `json:"errors,omitempty"`
}

// FieldError represents a field-specific validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

const problemTypeBase = "https://api.brokerage.dev/errors/"

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Timestamp: time.Now().UTC(),
	}
}

// AddFieldError adds a single field validation error.
func (p *ProblemDetails) AddFieldError(field, message, code string) *ProblemDetails {
	p.Errors = append(p.Errors, FieldError{Field: field, Message: message, Code: code})
	return p
}

// statusByKind maps the error taxonomy to HTTP statuses. Transient kinds map
// to 503 so clients know a retry is legitimate.
var statusByKind = map[Kind]int{
	KindValidation:             http.StatusBadRequest,
	KindInsufficientFunds:      http.StatusUnprocessableEntity,
	KindInsufficientPosition:   http.StatusUnprocessableEntity,
	KindPriceUnavailable:       http.StatusServiceUnavailable,
	KindSettlementTimeout:      http.StatusServiceUnavailable,
	KindDestinationNotEligible: http.StatusForbidden,
	KindInvalidTransition:      http.StatusConflict,
	KindConcurrencyConflict:    http.StatusConflict,
	KindNotFound:               http.StatusNotFound,
	KindDuplicate:              http.StatusConflict,
	KindInternal:               http.StatusInternalServerError,
}

var titleByKind = map[Kind]string{
	KindValidation:             "Validation Error",
	KindInsufficientFunds:      "Insufficient Funds",
	KindInsufficientPosition:   "Insufficient Position",
	KindPriceUnavailable:       "Price Unavailable",
	KindSettlementTimeout:      "Settlement Timeout",
	KindDestinationNotEligible: "Destination Not Eligible",
	KindInvalidTransition:      "Invalid Transition",
	KindConcurrencyConflict:    "Concurrency Conflict",
	KindNotFound:               "Not Found",
	KindDuplicate:              "Duplicate Request",
	KindInternal:               "Internal Server Error",
}

// ToProblemDetails converts any error into an RFC 7807 response using the
// taxonomy mapping. Internal details are not leaked for unknown errors.
func ToProblemDetails(err error, instance string) *ProblemDetails {
	kind := KindOf(err)
	detail := err.Error()
	if kind == KindInternal {
		detail = "an internal error occurred"
	}
	return NewProblemDetails(
		problemTypeBase+string(kind),
		titleByKind[kind],
		statusByKind[kind],
		detail,
		instance,
	)
}

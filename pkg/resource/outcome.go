// ABOUTME: OperationOutcome documents describing success or failure
// ABOUTME: Built from the error taxonomy for API and batch responses

package resource

import "errors"

// Issue codes used in OperationOutcome documents
const (
	IssueInvalid    = "invalid"
	IssueNotFound   = "not-found"
	IssueProcessing = "processing"
	IssueConflict   = "conflict"
	IssueException  = "exception"
	IssueInfo       = "informational"
)

// NewOutcome builds an OperationOutcome with a single issue
func NewOutcome(id, severity, code, diagnostics, expression string) Resource {
	issue := map[string]any{
		"severity": severity,
		"code":     code,
		"details":  map[string]any{"text": diagnostics},
	}
	if expression != "" {
		issue["expression"] = []any{expression}
	}
	return Resource{
		"resourceType": "OperationOutcome",
		"id":           id,
		"issue":        []any{issue},
	}
}

// AllOK is the outcome returned by successful operations without a body
func AllOK() Resource {
	return NewOutcome("allok", "information", IssueInfo, "All OK", "")
}

// NotFoundOutcome is the outcome for unknown resources
func NotFoundOutcome() Resource {
	return NewOutcome("not-found", "error", IssueNotFound, "Not found", "")
}

// OutcomeFromError converts any error into an OperationOutcome
func OutcomeFromError(err error) Resource {
	if err == nil {
		return AllOK()
	}

	var typed *Error
	if !errors.As(err, &typed) {
		return NewOutcome("exception", "error", IssueException, err.Error(), "")
	}

	switch typed.Kind {
	case KindNotFound:
		return NewOutcome("not-found", "error", IssueNotFound, typed.Message, typed.Expression)
	case KindValidation:
		return NewOutcome("bad-request", "error", IssueInvalid, typed.Message, typed.Expression)
	case KindPatch:
		return NewOutcome("unprocessable", "error", IssueProcessing, typed.Message, typed.Expression)
	case KindConflict:
		return NewOutcome("conflict", "error", IssueConflict, typed.Message, typed.Expression)
	}
	return NewOutcome("exception", "error", IssueException, typed.Message, typed.Expression)
}

// IsOutcome reports whether r is an OperationOutcome
func IsOutcome(r Resource) bool {
	return r.ResourceType() == "OperationOutcome"
}

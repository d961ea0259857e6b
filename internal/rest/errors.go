// Package rest is the HTTP shell (SPEC_FULL.md §6/§7): the only place that
// turns internal/ferror.Error values into OperationOutcome bundles and
// status codes, and where the store, search, terminology and CQL components
// are bound to request handlers (see Server).
// Grounded on the teacher's internal/domain/*/handler.go one-handler-per-type
// pattern, generalized into a single handler set parameterized by resource
// type since C1 (internal/store) already stores every type the same way.
package rest

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/octofhir/fhirserver/internal/ferror"
	"github.com/octofhir/fhirserver/internal/platform/fhir"
)

// statusForKind maps a ferror.Kind to its HTTP status per SPEC_FULL.md §7.
func statusForKind(kind ferror.Kind) int {
	switch kind {
	case ferror.KindInvalidResource, ferror.KindInvalidSearch:
		return http.StatusBadRequest
	case ferror.KindNotFound:
		return http.StatusNotFound
	case ferror.KindGone:
		return http.StatusGone
	case ferror.KindConflict:
		return http.StatusConflict
	case ferror.KindPreconditionFail:
		return http.StatusPreconditionFailed
	case ferror.KindUnauthorized:
		return http.StatusUnauthorized
	case ferror.KindForbidden:
		return http.StatusForbidden
	case ferror.KindTransactionError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// issueTypeForKind maps a ferror.Kind to an OperationOutcome issue type code.
func issueTypeForKind(kind ferror.Kind) string {
	switch kind {
	case ferror.KindInvalidResource:
		return fhir.IssueTypeStructure
	case ferror.KindInvalidSearch:
		return fhir.IssueTypeValue
	case ferror.KindNotFound:
		return fhir.IssueTypeNotFound
	case ferror.KindGone:
		return fhir.IssueTypeDeleted
	case ferror.KindConflict:
		return fhir.IssueTypeConflict
	case ferror.KindPreconditionFail:
		return fhir.IssueTypeConflict
	case ferror.KindUnauthorized:
		return fhir.IssueTypeLogin
	case ferror.KindForbidden:
		return fhir.IssueTypeSecurity
	case ferror.KindTransactionError:
		return fhir.IssueTypeProcessing
	default:
		return fhir.IssueTypeException
	}
}

// writeError renders err as an OperationOutcome with the status its kind
// maps to. Every handler in this package funnels failures through here
// instead of building its own error response, per ferror's package doc.
func writeError(c echo.Context, err error) error {
	var ferr *ferror.Error
	if !errors.As(err, &ferr) {
		ferr = ferror.Internal(err)
	}

	severity := fhir.IssueSeverityError
	if ferr.Kind == ferror.KindInternal || ferr.Kind == ferror.KindTransactionError {
		severity = fhir.IssueSeverityFatal
	}

	outcome := fhir.NewOutcomeBuilder().
		AddIssue(severity, issueTypeForKind(ferr.Kind), ferr.Message).
		Build()
	return c.JSON(statusForKind(ferr.Kind), outcome)
}

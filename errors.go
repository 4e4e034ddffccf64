// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/canonical/sqlorm/internal/attributes"
	"github.com/canonical/sqlorm/internal/evaluator"
)

// ErrNoResultFound is returned by [Query.One] when the query returns no rows.
var ErrNoResultFound = errors.New("no row was found for one()")

// ErrMultipleResultsFound is returned by [Query.One] when the query returns
// more than one row.
var ErrMultipleResultsFound = errors.New("multiple rows were found for one()")

// ErrTXDone is returned when a finished transaction is used.
var ErrTXDone = errors.New("transaction has already been committed or rolled back")

// ErrCacheClosed is returned when a statement is prepared on a closed engine.
var ErrCacheClosed = errors.New("statement cache is closed")

// InvalidRequestError reports a misuse of the API, such as applying a filter
// to a query that already has a LIMIT.
type InvalidRequestError struct {
	Msg string
}

func (e *InvalidRequestError) Error() string {
	return e.Msg
}

func invalidRequest(format string, args ...any) error {
	return &InvalidRequestError{Msg: fmt.Sprintf(format, args...)}
}

// ArgumentError reports an invalid argument or mapping configuration.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string {
	return e.Msg
}

func argumentError(format string, args ...any) error {
	return &ArgumentError{Msg: fmt.Sprintf(format, args...)}
}

// ObjectDeletedError is returned when loading an attribute of an instance
// whose row no longer exists.
type ObjectDeletedError struct {
	Class string
	Key   string
}

func (e *ObjectDeletedError) Error() string {
	return fmt.Sprintf("cannot load instance %s(%s): row has been deleted", e.Class, e.Key)
}

// AttributeNotFoundError is returned when reading an attribute that was
// never set and has nothing to load.
type AttributeNotFoundError = attributes.AttributeNotFoundError

// TypeMismatchError is returned when a value of the wrong shape is assigned
// to an attribute.
type TypeMismatchError = attributes.TypeMismatchError

// UnevaluatableError is returned when a criterion cannot be evaluated in
// memory. Bulk operations recover from it by fetching instead.
type UnevaluatableError = evaluator.UnevaluatableError

func isUnevaluatable(err error) bool {
	var uerr *evaluator.UnevaluatableError
	return errors.As(err, &uerr)
}

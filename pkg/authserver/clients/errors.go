// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/toolhive-core/httperr"
)

var (
	// ErrNotFound is returned when a client does not exist.
	ErrNotFound = httperr.WithCode(errors.New("client not found"), http.StatusNotFound)

	// ErrForbidden is returned when the caller does not own the client.
	ErrForbidden = httperr.WithCode(errors.New("not allowed to access this client"), http.StatusForbidden)

	// ErrInvalidClientType is returned for operations the client's type does not support.
	ErrInvalidClientType = httperr.WithCode(errors.New("operation not valid for this client type"), http.StatusBadRequest)

	// ErrConflict is returned when the client changed while it was being updated.
	ErrConflict = httperr.WithCode(errors.New("client was modified concurrently, retry"), http.StatusConflict)
)

// FieldError describes one invalid configuration value.
type FieldError struct {
	Field   string `json:"field"`
	Index   *int   `json:"index,omitempty"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

// ValidationError lists every invalid field of a configuration. Nothing is
// applied when it is returned.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		name := f.Field
		if f.Index != nil {
			name = fmt.Sprintf("%s[%d]", f.Field, *f.Index)
		}
		parts = append(parts, name+": "+f.Message)
	}
	return "invalid client configuration: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, value, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Value: value, Message: msg})
}

func (e *ValidationError) addIndexed(field string, i int, value, msg string) {
	idx := i
	e.Fields = append(e.Fields, FieldError{Field: field, Index: &idx, Value: value, Message: msg})
}

// errOrNil returns e when it holds field errors.
func (e *ValidationError) errOrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// FieldDetails returns the invalid fields for API error responses.
func (e *ValidationError) FieldDetails() any {
	return e.Fields
}

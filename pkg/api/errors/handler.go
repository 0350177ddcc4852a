// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides HTTP error handling utilities for the management API.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/grantkeeper/pkg/logger"
)

// HandlerWithError is an HTTP handler that can return an error.
// This signature allows handlers to return errors instead of manually
// writing error responses, enabling centralized error handling.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// FieldDetailer is implemented by errors that carry per-field detail. Such
// errors are reported as 400 Bad Request with the detail in "fields".
type FieldDetailer interface {
	error
	FieldDetails() any
}

// Response is the JSON body of an error response.
type Response struct {
	Error  string `json:"error"`
	Fields any    `json:"fields,omitempty"`
}

// ErrorHandler wraps a HandlerWithError and converts returned errors
// into JSON error responses.
//
// The decorator:
//   - Returns early if no error is returned (handler already wrote response)
//   - Reports field validation errors as 400 with their field list
//   - Extracts the HTTP status code from the error using httperr.Code()
//   - For 5xx errors: logs full error details, returns generic message to client
//   - For 4xx errors: returns error message to client
//
// Usage:
//
//	r.Get("/{id}", apierrors.ErrorHandler(routes.getClient))
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		var detailed FieldDetailer
		if errors.As(err, &detailed) {
			WriteJSON(w, http.StatusBadRequest, Response{Error: detailed.Error(), Fields: detailed.FieldDetails()})
			return
		}

		code := httperr.Code(err)
		if code >= http.StatusInternalServerError {
			logger.Errorw("internal server error", "path", r.URL.Path, "error", err)
			WriteJSON(w, code, Response{Error: http.StatusText(code)})
			return
		}
		WriteJSON(w, code, Response{Error: err.Error()})
	}
}

// WriteJSON writes v as a JSON response with status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to encode JSON response", "error", err)
	}
}

package api

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/carto-services/institutions-api/core/logger"
)

// postgres error classes the handlers care about. Everything else is an
// unclassified store fault and surfaces as a 500.
const (
	pqUniqueViolation     = pq.ErrorCode("23505")
	pqNotNullViolation    = pq.ErrorCode("23502")
	pqForeignKeyViolation = pq.ErrorCode("23503")
	pqInvalidText         = pq.ErrorCode("22P02")
)

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, object interface{}) {
	jsonData, _ := json.MarshalWithOption(object, json.DisableHTMLEscape())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServerError logs the fault with a stable error number and returns a
// generic 500 carrying the underlying message for diagnostics.
func writeServerError(w http.ResponseWriter, r *http.Request, number string, err error) {
	logger.FromContext(r.Context()).WithError(err).Errorf("Error %s", number)
	writeJSON(w, http.StatusInternalServerError,
		errorResponse{Error: "internal server error", Details: err.Error()})
}

func pqErrorCode(err error) pq.ErrorCode {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code
	}
	return ""
}

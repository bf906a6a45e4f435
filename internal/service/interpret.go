package service

import (
	"bytes"
	"encoding/json"
	"net/http"

	"sshtunnel-proxy-go/internal/model"
)

// BackendErrorPrefix starts the body of every response for a failed backend call.
const BackendErrorPrefix = "Error from backend: "

// Interpret maps a finished remote command to the response for the caller.
// Exit 0 yields 200 with stdout, as JSON when it parses and as text otherwise.
// Any other exit yields 500 carrying stderr.
func Interpret(res *model.ExecutionResult) *model.HTTPResponse {
	if res.ExitStatus != 0 {
		return &model.HTTPResponse{
			StatusCode: http.StatusInternalServerError,
			Text:       BackendErrorPrefix + string(res.Stderr),
		}
	}

	if trimmed := bytes.TrimSpace(res.Stdout); json.Valid(trimmed) {
		return &model.HTTPResponse{StatusCode: http.StatusOK, JSON: trimmed}
	}
	return &model.HTTPResponse{StatusCode: http.StatusOK, Text: string(res.Stdout)}
}

// Package web provides HTTP request and response types for the execution API.
package web

import (
	"encoding/json"

	"github.com/taskdhq/taskd/pkg/scheduler"
)

// SubmitExecutionRequest represents the request body for submitting one execution.
type SubmitExecutionRequest struct {
	ID           string          `json:"id,omitempty"           validate:"omitempty,min=1,max=255"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty" validate:"omitempty,dive,min=1"`
	Priority     int             `json:"priority,omitempty"`
}

// SubmitExecutionResponse is returned from the submit endpoint. Token is the
// dispatch handle when the execution was admitted immediately, otherwise the
// execution id to poll with.
type SubmitExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
	Token       string `json:"token"`
}

// BatchSubmitRequest represents the request body for submitting a fan-out of
// independent executions.
type BatchSubmitRequest struct {
	Executions []BatchExecutionRequest `json:"executions" validate:"required,min=1,dive"`
}

// BatchExecutionRequest is one entry of a batch submission.
type BatchExecutionRequest struct {
	ID      string          `json:"id,omitempty" validate:"omitempty,min=1,max=255"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BatchItemResponse reports the outcome of one batch entry.
type BatchItemResponse struct {
	ExecutionID string `json:"execution_id"`
	Token       string `json:"token,omitempty"`
	Error       string `json:"error,omitempty"`
}

// TransformBatchResponse converts scheduler batch results into API responses.
func TransformBatchResponse(results []scheduler.BatchResult) []BatchItemResponse {
	responses := make([]BatchItemResponse, 0, len(results))

	for _, result := range results {
		response := BatchItemResponse{
			ExecutionID: result.ExecutionID,
			Token:       result.Token,
		}
		if result.Err != nil {
			response.Error = result.Err.Error()
		}

		responses = append(responses, response)
	}

	return responses
}

// CancelResponse is returned from the cancel endpoint.
type CancelResponse struct {
	ExecutionID string `json:"execution_id"`
	Cancelled   bool   `json:"cancelled"`
}

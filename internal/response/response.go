package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error codes carried in the Code field. Clients branch on these, not on
// HTTP status alone.
const (
	CodeUnauthenticated     = "unauthenticated"
	CodeBadRequest          = "bad_request"
	CodeAlreadyProcessed    = "already_processed"
	CodePreviouslyRejected  = "previously_rejected"
	CodeValidationFailed    = "validation_failed"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodePersistenceFailed   = "persistence_failed"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success returns a success response
func Success(data interface{}) Response {
	return Response{
		Success: true,
		Message: "success",
		Data:    data,
	}
}

// SuccessWithCode returns a success response tagged with a code, used for
// benign outcomes like idempotent replays.
func SuccessWithCode(code string, data interface{}) Response {
	return Response{
		Success: true,
		Code:    code,
		Message: "success",
		Data:    data,
	}
}

// Error returns an error response
func Error(code, message string) Response {
	return Response{
		Success: false,
		Code:    code,
		Message: message,
	}
}

// JSON sends a JSON response
func JSON(c *gin.Context, statusCode int, response Response) {
	c.JSON(statusCode, response)
}

// SuccessJSON sends a success JSON response
func SuccessJSON(c *gin.Context, data interface{}) {
	JSON(c, http.StatusOK, Success(data))
}

// ErrorJSON sends an error JSON response
func ErrorJSON(c *gin.Context, statusCode int, code, message string) {
	JSON(c, statusCode, Error(code, message))
}

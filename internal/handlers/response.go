package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/retrieval"
)

// Envelope is the response body of every /estimations route.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code      retrieval.Code `json:"code"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"requestId"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

// respondError writes the error envelope for err, classifying it with
// retrieval.AsError. Internal causes are attached to the context for the
// error logger and never sent to the client.
func respondError(c *gin.Context, err error) {
	re := retrieval.AsError(err)
	if re.Code == retrieval.CodeInternal {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(re.Code.HTTPStatus(), Envelope{
		Success: false,
		Error: &ErrorBody{
			Code:      re.Code,
			Message:   re.Message,
			Timestamp: time.Now().UTC(),
			RequestID: RequestID(c),
		},
	})
}

func validationError(format string, args ...any) *retrieval.Error {
	return retrieval.NewError(retrieval.CodeValidation, format, args...)
}

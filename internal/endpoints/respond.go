package endpoints

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"reelforge/internal/apperr"
)

// errorBody is the uniform error envelope. Validation failures always carry
// the valid options, a suggestion and an example request.
type errorBody struct {
	Error        string         `json:"error"`
	Type         string         `json:"type,omitempty"`
	Class        string         `json:"class,omitempty"`
	ValidOptions []string       `json:"valid_options,omitempty"`
	Suggestion   string         `json:"suggestion,omitempty"`
	Example      string         `json:"example,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// respondError maps application errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	e, ok := apperr.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}

	body := errorBody{
		Error:        e.Message,
		Type:         string(e.Type),
		Class:        string(e.Class),
		ValidOptions: e.ValidOptions,
		Suggestion:   e.Suggestion,
		Example:      e.Example,
		Details:      e.Details,
	}

	var status int
	switch e.Type {
	case apperr.TypeValidation:
		status = http.StatusBadRequest
	case apperr.TypeNotFound, apperr.TypeResourceNotFound:
		status = http.StatusNotFound
	case apperr.TypeState, apperr.TypeInvalidOperation:
		status = http.StatusConflict
	case apperr.TypeAPI:
		switch e.Class {
		case apperr.APIRateLimit:
			status = http.StatusTooManyRequests
		case apperr.APIAuth:
			status = http.StatusBadGateway
		case apperr.APITimeout:
			status = http.StatusGatewayTimeout
		default:
			status = http.StatusBadGateway
		}
	default:
		status = http.StatusInternalServerError
	}
	c.JSON(status, body)
}

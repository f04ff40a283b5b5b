package scrapbookd

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type jsonEnvelope struct {
	Success bool        `json:"success,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   *jsonError  `json:"error,omitempty"`
}

type jsonError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// writeError converts err into an HTTP response, wrapping it in the JSON
// envelope when rc.format requests structured output.
func writeError(c *gin.Context, rc *reqContext, err error) {
	status, message := statusOf(err)

	if rc != nil && rc.format == "json" {
		c.JSON(status, jsonEnvelope{Error: &jsonError{Status: status, Message: message}})
		return
	}
	c.String(status, message)
}

// writeSuccess emits data as the JSON envelope's success shape, or as bare
// JSON when no envelope is requested.
func writeSuccess(c *gin.Context, rc *reqContext, data interface{}) {
	if rc != nil && rc.format == "json" {
		c.JSON(http.StatusOK, jsonEnvelope{Success: true, Data: data})
		return
	}
	c.JSON(http.StatusOK, data)
}

func writeNoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

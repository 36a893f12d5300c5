package api

import (
	"github.com/gin-gonic/gin"

	sgerrors "github.com/adcraft-io/sheetgate/pkg/errors"
)

// respondOK writes the success envelope
func respondOK(c *gin.Context, status int, payload gin.H) {
	body := gin.H{"ok": true}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(status, body)
}

// respondErr writes the failure envelope, mapping the error taxonomy to a
// status and surfacing any retry-after hint
func respondErr(c *gin.Context, err error) {
	body := gin.H{
		"ok":    false,
		"code":  string(sgerrors.CodeOf(err)),
		"error": err.Error(),
	}
	if ra := sgerrors.RetryAfterOf(err); ra > 0 {
		body["retry_after"] = int(ra.Seconds())
	}
	c.JSON(sgerrors.HTTPStatus(err), body)
}

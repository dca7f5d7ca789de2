package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderIcecastAuthUser carries the listener authentication verdict back to
// icecast.
const HeaderIcecastAuthUser = "icecast-auth-user"

// RespondOK sends a 200 OK response with the given data.
func RespondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// RespondAuth answers an icecast auth callback. Icecast reads the verdict
// from the header; the status is always 200.
func RespondAuth(c *gin.Context, accept bool) {
	v := "0"
	if accept {
		v = "1"
	}
	c.Header(HeaderIcecastAuthUser, v)
	c.Status(http.StatusOK)
}

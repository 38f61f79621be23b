package context

import "github.com/gin-gonic/gin"

// RequestIDFromGin reads the request ID the logging middleware stamped
// onto the request context.
func RequestIDFromGin(c *gin.Context) string {
	if c == nil || c.Request == nil {
		return ""
	}
	return RequestIDFromContext(c.Request.Context())
}

// ActorFromGin reads the actor the auth middleware stamped onto the
// request context.
func ActorFromGin(c *gin.Context) string {
	if c == nil || c.Request == nil {
		return ""
	}
	return ActorFromContext(c.Request.Context())
}

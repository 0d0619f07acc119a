package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"caresim/services"

	"github.com/gin-gonic/gin"
)

func getUserID(c *gin.Context) (uint, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}
	id, ok := userID.(uint)
	return id, ok
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid chat ID"})
		return 0, false
	}
	return uint(id), true
}

// respondError maps service errors onto HTTP responses. Anything that is not
// a precondition failure is attached to the context for the error logger and
// reported as a 500.
func respondError(c *gin.Context, err error) {
	var pre *services.PreconditionError
	if errors.As(err, &pre) {
		switch pre.Code {
		case services.CodeNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": pre.Message})
		case services.CodeMissingCredential:
			c.JSON(http.StatusUnauthorized, gin.H{"error": pre.Message, "error_code": "TOKEN_EXPIRED"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": pre.Message, "error_code": pre.Code})
		}
		return
	}

	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

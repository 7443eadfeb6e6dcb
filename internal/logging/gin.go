package logging

import (
	"time"

	"github.com/gin-gonic/gin"
)

// GinAccessLogger logs one line per request after it completes.
func GinAccessLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		Infof("%s %s %d %s", c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// GinRecovery converts a panic into a 500 response instead of crashing the process.
func GinRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				WithField("panic", r).WithField("path", c.Request.URL.Path).Error("recovered from panic")
				c.AbortWithStatus(500)
			}
		}()
		c.Next()
	}
}

package middleware

import "github.com/gin-gonic/gin"

// NoStore keeps browsers and service workers from caching proxy answers.
// A cached pending response would hide a later delivery.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Header("Pragma", "no-cache")
		c.Header("Expires", "0")
		c.Next()
	}
}

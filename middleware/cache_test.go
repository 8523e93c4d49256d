package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNoStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(NoStore())
	router.POST("/analyze", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": true})
	})

	req := httptest.NewRequest("POST", "/analyze", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Cache-Control"); got != "no-cache, no-store, must-revalidate" {
		t.Errorf("Expected no-store Cache-Control, got '%s'", got)
	}
	if w.Header().Get("Pragma") != "no-cache" {
		t.Error("Expected Pragma no-cache")
	}
}

package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSPAHandlerServesIndex(t *testing.T) {
	h := SPAHandler()

	for _, path := range []string{"/", "/sessions/abc"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "/ws/session", path)
		assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"), path)
	}
}

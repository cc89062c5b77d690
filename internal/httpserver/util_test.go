package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]string{"subjectId": "<song & dance>"})

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
	if body := w.Body.String(); !strings.Contains(body, "<song & dance>") {
		t.Errorf("Expected unescaped subject, got %s", body)
	}

	empty := httptest.NewRecorder()
	writeJSON(empty, http.StatusNoContent, nil)
	if empty.Code != http.StatusNoContent || empty.Body.Len() != 0 {
		t.Errorf("Expected empty 204, got %d %q", empty.Code, empty.Body.String())
	}
}

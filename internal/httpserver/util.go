package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

const maxRequestBody = 64 << 10

// decodeJSON decodes a bounded JSON request body into dest.
// Unknown fields are rejected so typos like "subject_id" surface as errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	return nil
}

// writeJSON writes payload as the JSON body with the given status. HTML
// escaping is off so subject IDs and messages round-trip unchanged.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// Package api provides the Stream Catalog HTTP surface: list/create/rename/
// delete under /api/streams, plus the health check, generalizing the
// teacher's Handler/JSON/Error response-writing shape from container
// lifecycle endpoints to stream catalog mutations.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/clickety-clacks/clawline/internal/apierr"
)

// maxBodyBytes caps request bodies per §4.9.
const maxBodyBytes = 16 * 1024

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":{"code":"server_error","message":"failed to encode response"}}`, http.StatusInternalServerError)
	}
}

// writeAPIError writes the {error:{code,message}} shape §4.9 requires.
func writeAPIError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		JSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{Code: string(apierr.ServerError), Message: err.Error()}})
		return
	}
	JSON(w, apierr.HTTPStatus(apiErr.ErrCode), errorBody{Error: errorDetail{Code: string(apiErr.ErrCode), Message: apiErr.Msg}})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apierr.New(apierr.InvalidMessage, "malformed request body")
	}
	return nil
}

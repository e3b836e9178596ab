package apperr

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// WriteHTTP writes err as the standard envelope with the mapped status code.
// Admission errors also set the Retry-After header.
func WriteHTTP(w http.ResponseWriter, err error) {
	env := ToEnvelope(err)
	if env.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.FormatInt(*env.RetryAfter, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(env.ErrorKind))
	_ = json.NewEncoder(w).Encode(env)
}

package httpserver

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/chainfacilitator/x402fac/internal/errors"
	"github.com/chainfacilitator/x402fac/pkg/x402/schema"
)

// decodeJSON reads and unmarshals the request body.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// writeFacilitatorError renders a schema.FacilitatorError (or any other
// error) as the standard {error:{code,message,retryable}} body, using the
// error code's own HTTPStatus() when one is available.
func writeFacilitatorError(w http.ResponseWriter, err error) {
	if fe, ok := err.(schema.FacilitatorError); ok {
		apierrors.WriteSimpleError(w, fe.Code, fe.Message)
		return
	}
	apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, err.Error())
}

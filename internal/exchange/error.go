package exchange

import (
	"encoding/json"
	"fmt"
)

// HTTPError is a non-200 answer of the token endpoint.
type HTTPError struct {
	StatusCode  int
	Code        string // OAuth "error" field, if the body carried one
	Description string
}

func newHTTPError(status int, body []byte) *HTTPError {
	e := &HTTPError{StatusCode: status}
	var oauthErr struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &oauthErr) == nil {
		e.Code = oauthErr.Error
		e.Description = oauthErr.ErrorDescription
	}
	return e
}

func (e *HTTPError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("token endpoint returned status %d", e.StatusCode)
	}
	if e.Description == "" {
		return fmt.Sprintf("token endpoint returned status %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("token endpoint returned status %d: %s: %s", e.StatusCode, e.Code, e.Description)
}

// Package wire implements the newline-delimited JSON protocol spoken over
// stdin and stdout: one request object per line in, one response object per
// line out. Stdout carries protocol frames only; all diagnostics go to
// stderr through the logging package.
package wire

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	conderrors "conductor/internal/errors"
)

// Request is one client frame.
type Request struct {
	ID   any             `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is one server frame. Exactly one of Result and Error is set. ID
// echoes the request id, including null when the request carried none.
type Response struct {
	ID     any          `json:"id"`
	Result any          `json:"result,omitempty"`
	Error  *ErrorObject `json:"error,omitempty"`
}

// ErrorObject is the error half of a response.
type ErrorObject struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ErrorObject) Error() string {
	return fmt.Sprintf("wire error %d: %s", e.Code, e.Message)
}

// NewResponse builds a success frame.
func NewResponse(id, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewErrorResponse converts err into an error frame. Errors built by the
// errors package keep their kind's numeric code and attached data; anything
// else is reported as internal.
func NewErrorResponse(id any, err error) *Response {
	obj := &ErrorObject{Code: conderrors.CodeInternal, Message: "internal error"}
	var condErr *conderrors.Error
	switch {
	case stderrors.As(err, &condErr):
		obj.Code = condErr.Code()
		obj.Message = condErr.Error()
		obj.Data = condErr.Data
	case err != nil:
		obj.Message = err.Error()
	}
	return &Response{ID: id, Error: obj}
}

// IsError reports whether the response carries an error.
func (r *Response) IsError() bool {
	return r.Error != nil
}

package handler

import "net/http"

// Response is the envelope every handler returns to the orchestrator.
type Response struct {
	StatusCode int         `json:"statusCode"`
	Body       interface{} `json:"body"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

const CodeInvalidPayload = "INVALID_PAYLOAD"

func ok(body interface{}) *Response {
	return &Response{StatusCode: http.StatusOK, Body: body}
}

func badRequest(err error) *Response {
	return &Response{
		StatusCode: http.StatusBadRequest,
		Body:       ErrorBody{Error: ErrorDetail{Code: CodeInvalidPayload, Message: err.Error()}},
	}
}

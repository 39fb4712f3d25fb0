package testutil

import (
	"net/http"
	"net/http/httptest"
)

// RoundTripHandler serves requests directly from a handler without a socket.
type RoundTripHandler struct {
	Handler http.Handler
}

func (rt *RoundTripHandler) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rt.Handler.ServeHTTP(rec, req)
	res := rec.Result()
	res.Request = req
	return res, nil
}

func NewInProcessClient(handler http.Handler) *http.Client {
	return &http.Client{Transport: &RoundTripHandler{Handler: handler}}
}

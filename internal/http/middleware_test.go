package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, errors.New("no real connection")
}

func TestResponseWriterHijackDelegates(t *testing.T) {
	inner := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	ww := &responseWriter{ResponseWriter: inner, status: http.StatusOK}

	// The status wrapper must still satisfy http.Hijacker, or every
	// websocket upgrade behind the middleware chain fails.
	var hj http.Hijacker = ww
	if _, _, err := hj.Hijack(); err == nil || !inner.hijacked {
		t.Fatalf("hijack not delegated to inner writer (hijacked=%v, err=%v)", inner.hijacked, err)
	}
}

func TestResponseWriterHijackUnsupported(t *testing.T) {
	ww := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	if _, _, err := ww.Hijack(); err == nil {
		t.Fatal("expected an error when the inner writer cannot hijack")
	}
}

func TestResponseWriterUnwrap(t *testing.T) {
	inner := httptest.NewRecorder()
	ww := &responseWriter{ResponseWriter: inner, status: http.StatusOK}
	if ww.Unwrap() != inner {
		t.Fatal("Unwrap must return the wrapped writer")
	}
}

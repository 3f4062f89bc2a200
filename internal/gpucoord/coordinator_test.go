package gpucoord_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiaraoke/verdict/internal/gpucoord"
)

func TestRequestUnloadSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := gpucoord.New(srv.URL, nil)
	if !c.RequestUnload(context.Background()) {
		t.Error("expected success")
	}
}

func TestRequestUnloadFailureIsAdvisoryOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := gpucoord.New(srv.URL, nil)
	if c.RequestUnload(context.Background()) {
		t.Error("expected failure to be reported")
	}
}

func TestRequestUnloadDisabledWhenNoURLConfigured(t *testing.T) {
	c := gpucoord.New("", nil)
	if !c.RequestUnload(context.Background()) {
		t.Error("expected no-op coordinator to report success")
	}
}

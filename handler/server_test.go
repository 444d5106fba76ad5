package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionEndpoint(t *testing.T) {
	h := &ServerHandler{}
	srv := httptest.NewServer(h.Version())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	got := decode[ServerVersion](t, resp)
	require.Equal(t, version, got.Version)
}

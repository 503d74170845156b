package api

import (
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerRoutes(t *testing.T) {
	sync := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	s := NewServer("127.0.0.1:0", sync)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve(lis) }()
	base := "http://" + lis.Addr().String()

	get := func(path string) int {
		resp, err := http.Get(base + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusTeapot, get("/api/sync"))
	assert.Equal(t, http.StatusOK, get("/healthz"))
	assert.Equal(t, http.StatusOK, get("/livez"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
	assert.Equal(t, http.StatusNotFound, get("/nope"))

	require.NoError(t, s.Stop(time.Second))
	require.NoError(t, <-served)
}

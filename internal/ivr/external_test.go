package ivr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPCallerPostsSessionAndReadsResult(t *testing.T) {
	var got externalRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"vip"}`))
	}))
	defer srv.Close()

	c := NewHTTPCaller(0)
	out, err := c.Call(context.Background(), srv.URL, Session{CallID: "c1", FlowID: "main", CurrentNode: "lookup", Vars: map[string]string{"account": "42"}})
	require.NoError(t, err)
	assert.Equal(t, "vip", out)
	assert.Equal(t, "lookup", got.NodeID)
	assert.Equal(t, "42", got.Vars["account"])
}

func TestHTTPCallerPlainTextAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(" open \n"))
	}))
	defer srv.Close()

	c := NewHTTPCaller(0)
	out, err := c.Call(context.Background(), srv.URL+"/ok", Session{CallID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "open", out)

	_, err = c.Call(context.Background(), srv.URL+"/fail", Session{CallID: "c1"})
	assert.Error(t, err)
}

package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apierrors "github.com/devrev/shardkv/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeNode(t *testing.T) *httptest.Server {
	t.Helper()
	data := map[string]json.RawMessage{"present": json.RawMessage(`"hello"`)}

	mux := http.NewServeMux()
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		json.NewEncoder(w).Encode(map[string][]string{"keys": keys})
	})
	mux.HandleFunc("/key/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/key/")
		switch r.Method {
		case http.MethodGet:
			v, ok := data[key]
			if !ok {
				http.Error(w, `{"detail":"not found"}`, http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]json.RawMessage{"key": json.RawMessage(`"` + key + `"`), "value": v})
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			var payload struct {
				Value json.RawMessage `json:"value"`
			}
			assert.NoError(t, json.Unmarshal(body, &payload))
			data[key] = payload.Value
			json.NewEncoder(w).Encode(map[string]json.RawMessage{"key": json.RawMessage(`"` + key + `"`), "value": payload.Value})
		case http.MethodDelete:
			if _, ok := data[key]; !ok {
				http.Error(w, `{"detail":"not found"}`, http.StatusNotFound)
				return
			}
			delete(data, key)
			w.Write([]byte(`{"status":"success"}`))
		}
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"db_size":1,"pending_operations":0}`))
	})
	mux.HandleFunc("/force-sync", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"status":"success"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNodeClient_GetPutDelete(t *testing.T) {
	srv := newFakeNode(t)
	c := NewNodeClient(time.Second)
	ctx := context.Background()

	resp := c.Get(ctx, srv.URL, "present")
	require.True(t, resp.Success)
	assert.True(t, resp.Found)
	assert.JSONEq(t, `"hello"`, string(resp.Value))
	assert.Equal(t, srv.URL, resp.NodeID)

	resp = c.Get(ctx, srv.URL, "missing")
	assert.False(t, resp.Success)
	assert.False(t, resp.Found)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Error(t, resp.Err)

	resp = c.Put(ctx, srv.URL, "obj", json.RawMessage(`{"a":[1,2]}`))
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"a":[1,2]}`, string(resp.Value))

	resp = c.Get(ctx, srv.URL, "obj")
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"a":[1,2]}`, string(resp.Value))

	resp = c.Delete(ctx, srv.URL, "obj")
	assert.True(t, resp.Success)
	assert.True(t, resp.Found)

	resp = c.Delete(ctx, srv.URL, "obj")
	assert.False(t, resp.Success)
	assert.False(t, resp.Found)
}

func TestNodeClient_ListKeysStatsForceSync(t *testing.T) {
	srv := newFakeNode(t)
	c := NewNodeClient(time.Second)
	ctx := context.Background()

	resp := c.ListKeys(ctx, srv.URL)
	require.True(t, resp.Success)
	assert.Equal(t, []string{"present"}, resp.Keys)

	resp = c.Stats(ctx, srv.URL)
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"db_size":1,"pending_operations":0}`, string(resp.Body))

	resp = c.ForceSync(ctx, srv.URL)
	assert.True(t, resp.Success)
}

func TestNodeClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := NewNodeClient(500 * time.Millisecond)
	resp := c.Get(context.Background(), addr, "k")

	assert.False(t, resp.Success)
	require.Error(t, resp.Err)
	assert.True(t, apierrors.Is(resp.Err, apierrors.ErrorCodeNodeUnreachable))

	outcome := resp.Outcome()
	assert.False(t, outcome.Success)
	assert.NotEmpty(t, outcome.Error)
	assert.Nil(t, outcome.Value)
}

func TestNodeClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewNodeClient(50 * time.Millisecond)
	start := time.Now()
	resp := c.Get(context.Background(), srv.URL, "k")

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, resp.Success)
	assert.True(t, apierrors.Is(resp.Err, apierrors.ErrorCodeNodeTimeout))
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://kvs1:8000", BaseURL("kvs1:8000"))
	assert.Equal(t, "http://127.0.0.1:9000", BaseURL("http://127.0.0.1:9000/"))
	assert.Equal(t, "/key/a%2Fb", keyPath("a/b"))
}

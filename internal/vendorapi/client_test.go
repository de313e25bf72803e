// internal/vendorapi/client_test.go
package vendorapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient() *Client {
	c := NewClient(Config{AttemptTimeout: 5 * time.Second}, zap.NewNop())
	c.backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return c
}

func TestClient_Execute(t *testing.T) {
	t.Run("retries 5xx then succeeds", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer srv.Close()

		resp, err := newTestClient().Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("retries 429", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		_, err := newTestClient().Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("4xx fails immediately with status and body", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("no such object"))
		}))
		defer srv.Close()

		_, err := newTestClient().Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
		require.Error(t, err)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
		assert.Contains(t, apiErr.Body, "no such object")
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("401 is an auth failure, not retried", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := newTestClient().Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.True(t, apiErr.IsAuthFailure())
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("exhausted retries surface the last error", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := newTestClient().Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "retries exhausted")
		assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	})

	t.Run("reports outcomes to the observer", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/missing" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		outcomes := map[string]int{}
		c := NewClient(Config{
			AttemptTimeout: 5 * time.Second,
			Observe:        func(method, outcome string) { outcomes[method+" "+outcome]++ },
		}, zap.NewNop())

		_, _ = c.Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
		_, _ = c.Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL + "/missing"})

		assert.Equal(t, 1, outcomes["GET success"])
		assert.Equal(t, 1, outcomes["GET api_error"])
	})

	t.Run("sends basic auth and headers", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "admin", user)
			assert.Equal(t, "secret", pass)
			assert.Equal(t, "Session tok", r.Header.Get("Remote-Authorization"))
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		_, err := newTestClient().Execute(context.Background(), Request{
			Method:  http.MethodGet,
			URL:     srv.URL,
			Headers: map[string]string{"Remote-Authorization": "Session tok"},
			Auth:    &BasicAuth{Username: "admin", Password: "secret"},
		})
		require.NoError(t, err)
	})
}

func TestClient_CreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sessions", r.URL.Path)

		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 300, body["aliveTime"])

		_, _ = fmt.Fprint(w, `{"token":"abc123","sessionId":7}`)
	}))
	defer srv.Close()

	info, err := newTestClient().CreateSession(context.Background(), srv.URL, "u", "p", 300)
	require.NoError(t, err)
	assert.Equal(t, "abc123", info.Token)
	assert.Equal(t, 7, info.SessionID)
}

func TestClient_GetJournals(t *testing.T) {
	t.Run("decodes data envelope", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "basic", r.URL.Query().Get("journalInfo"))
			assert.Equal(t, "Session tok", r.Header.Get("Authorization"))
			_, _ = fmt.Fprint(w, `{"data":[{"journalId":"001","muNumber":1,"usageRate":12,"byteFormatCapacity":"3.87 T","journalStatus":"PJNN"}]}`)
		}))
		defer srv.Close()

		journals, err := newTestClient().GetJournals(context.Background(), srv.URL, "tok", JournalInfoBasic)
		require.NoError(t, err)
		require.Len(t, journals, 1)
		assert.Equal(t, "001", journals[0].JournalID)
		assert.Equal(t, 12, journals[0].UsageRate)
	})

	t.Run("tolerates bare array without envelope", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, `[{"journalId":"002"}]`)
		}))
		defer srv.Close()

		journals, err := newTestClient().GetJournals(context.Background(), srv.URL, "tok", JournalInfoBasic)
		require.NoError(t, err)
		require.Len(t, journals, 1)
		assert.Equal(t, "002", journals[0].JournalID)
	})
}

func TestClient_GetRemoteCopyPairs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "UR", q.Get("replicationType"))
		assert.Equal(t, "0", q.Get("headLdevId"))
		assert.Equal(t, "500", q.Get("count"))
		_, _ = fmt.Fprint(w, `{"data":[{"pvolLdevId":10,"svolLdevId":20,"replicationType":"UR","consistencyGroupId":3}]}`)
	}))
	defer srv.Close()

	pairs, err := newTestClient().GetRemoteCopyPairs(context.Background(), srv.URL, "tok", "UR", 0, 500)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, 10, pairs[0].PvolLdevID)
	assert.Equal(t, 3, pairs[0].ConsistencyGroupID)
}

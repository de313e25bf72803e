// internal/session/manager_test.go
package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FairForge/replimon/internal/vendorapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeScheduler records scheduled callbacks so tests fire renewal
// deterministically.
type fakeScheduler struct {
	mu        sync.Mutex
	delays    []time.Duration
	callbacks []func()
	cancels   int
}

func (f *fakeScheduler) AfterFunc(d time.Duration, fn func()) CancelFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	f.callbacks = append(f.callbacks, fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancels++
	}
}

func (f *fakeScheduler) fire(i int) {
	f.mu.Lock()
	fn := f.callbacks[i]
	f.mu.Unlock()
	fn()
}

type staticCreds map[string]Credential

func (s staticCreds) Lookup(_ context.Context, endpointID string) (Credential, error) {
	cred, ok := s[endpointID]
	if !ok {
		return Credential{}, ErrCredentialsNotFound
	}
	return cred, nil
}

// fakeArray is an httptest vendor endpoint that issues incrementing
// session tokens and records deletions.
type fakeArray struct {
	srv       *httptest.Server
	created   int32
	failLogin int32 // when non-zero, session creation 500s

	mu      sync.Mutex
	deleted []string
}

func newFakeArray(t *testing.T) *fakeArray {
	f := &fakeArray{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sessions":
			if atomic.LoadInt32(&f.failLogin) != 0 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			n := atomic.AddInt32(&f.created, 1)
			_, _ = fmt.Fprintf(w, `{"token":"tok-%d","sessionId":%d}`, n, n)
		case r.Method == http.MethodDelete:
			f.mu.Lock()
			f.deleted = append(f.deleted, r.URL.Path)
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeArray) deletions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func newTestManager(t *testing.T, array *fakeArray, sched Scheduler) *Manager {
	client := vendorapi.NewClient(vendorapi.Config{
		AttemptTimeout: 5 * time.Second,
		Backoff:        []time.Duration{time.Millisecond, time.Millisecond},
	}, zap.NewNop())
	creds := staticCreds{
		"ep-1": {EndpointID: "ep-1", BaseURL: array.srv.URL, Username: "u", Password: "p"},
		"ep-2": {EndpointID: "ep-2", BaseURL: array.srv.URL, Username: "u", Password: "p"},
	}
	return NewManager(client, creds, sched, zap.NewNop())
}

func TestManager_GetSession(t *testing.T) {
	t.Run("caches one session per endpoint", func(t *testing.T) {
		array := newFakeArray(t)
		m := newTestManager(t, array, &fakeScheduler{})

		s1, err := m.GetSession(context.Background(), "ep-1")
		require.NoError(t, err)
		s2, err := m.GetSession(context.Background(), "ep-1")
		require.NoError(t, err)

		assert.Equal(t, s1.Token, s2.Token)
		assert.Equal(t, int32(1), atomic.LoadInt32(&array.created))
	})

	t.Run("recreates inside the renewal margin", func(t *testing.T) {
		array := newFakeArray(t)
		m := newTestManager(t, array, &fakeScheduler{})

		_, err := m.GetSession(context.Background(), "ep-1")
		require.NoError(t, err)

		// Age the cached session to 241s of its 300s alive time.
		m.now = func() time.Time { return time.Now().Add(241 * time.Second) }

		s, err := m.GetSession(context.Background(), "ep-1")
		require.NoError(t, err)
		assert.Equal(t, "tok-2", s.Token)
		assert.Equal(t, int32(2), atomic.LoadInt32(&array.created))
	})

	t.Run("missing credentials fail without a vendor call", func(t *testing.T) {
		array := newFakeArray(t)
		m := newTestManager(t, array, &fakeScheduler{})

		_, err := m.GetSession(context.Background(), "ep-unknown")
		require.ErrorIs(t, err, ErrCredentialsNotFound)
		assert.Zero(t, atomic.LoadInt32(&array.created))
	})

	t.Run("concurrent calls create exactly one session", func(t *testing.T) {
		array := newFakeArray(t)
		m := newTestManager(t, array, &fakeScheduler{})

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.GetSession(context.Background(), "ep-1")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&array.created))
	})
}

func TestManager_Renewal(t *testing.T) {
	t.Run("scheduled one margin before expiry", func(t *testing.T) {
		array := newFakeArray(t)
		sched := &fakeScheduler{}
		m := newTestManager(t, array, sched)

		_, err := m.GetSession(context.Background(), "ep-1")
		require.NoError(t, err)

		require.Len(t, sched.delays, 1)
		assert.Equal(t, 240*time.Second, sched.delays[0])
	})

	t.Run("swaps the cache then deletes the old session", func(t *testing.T) {
		array := newFakeArray(t)
		sched := &fakeScheduler{}
		m := newTestManager(t, array, sched)

		old, err := m.GetSession(context.Background(), "ep-1")
		require.NoError(t, err)

		sched.fire(0)

		s, err := m.GetSession(context.Background(), "ep-1")
		require.NoError(t, err)
		assert.NotEqual(t, old.Token, s.Token)
		assert.Contains(t, array.deletions(), fmt.Sprintf("/sessions/%d", old.SessionID))
	})

	t.Run("renewal failure evicts so the next caller recreates", func(t *testing.T) {
		array := newFakeArray(t)
		sched := &fakeScheduler{}
		m := newTestManager(t, array, sched)

		_, err := m.GetSession(context.Background(), "ep-1")
		require.NoError(t, err)

		atomic.StoreInt32(&array.failLogin, 1)
		sched.fire(0)
		assert.Zero(t, m.LiveSessions())

		atomic.StoreInt32(&array.failLogin, 0)
		s, err := m.GetSession(context.Background(), "ep-1")
		require.NoError(t, err)
		assert.NotEmpty(t, s.Token)
	})
}

func TestManager_Validate(t *testing.T) {
	t.Run("probe session is opened and closed, nothing cached", func(t *testing.T) {
		array := newFakeArray(t)
		m := newTestManager(t, array, &fakeScheduler{})

		require.NoError(t, m.Validate(context.Background(), array.srv.URL, "u", "p"))
		assert.Equal(t, int32(1), atomic.LoadInt32(&array.created))
		assert.Len(t, array.deletions(), 1)

		// The next GetSession opens its own session.
		sess, err := m.GetSession(context.Background(), "ep-1")
		require.NoError(t, err)
		assert.Equal(t, "tok-2", sess.Token)
	})

	t.Run("rejected login is an error", func(t *testing.T) {
		array := newFakeArray(t)
		atomic.StoreInt32(&array.failLogin, 1)
		m := newTestManager(t, array, &fakeScheduler{})

		assert.Error(t, m.Validate(context.Background(), array.srv.URL, "u", "bad"))
	})
}

func TestManager_GetRemoteSession(t *testing.T) {
	array := newFakeArray(t)
	m := newTestManager(t, array, &fakeScheduler{})

	rs, err := m.GetRemoteSession(context.Background(), "ep-1", "ep-2")
	require.NoError(t, err)
	assert.NotEmpty(t, rs.Local.Token)
	assert.NotEmpty(t, rs.Remote.Token)
	assert.NotEqual(t, rs.Local.Token, rs.Remote.Token)
	assert.GreaterOrEqual(t, rs.Local.AliveTime, MinAliveTime)
}

func TestManager_CleanupAll(t *testing.T) {
	array := newFakeArray(t)
	sched := &fakeScheduler{}
	m := newTestManager(t, array, sched)

	_, err := m.GetSession(context.Background(), "ep-1")
	require.NoError(t, err)
	_, err = m.GetSession(context.Background(), "ep-2")
	require.NoError(t, err)

	m.CleanupAll(context.Background())

	assert.Zero(t, m.LiveSessions())
	assert.Len(t, array.deletions(), 2)
	assert.Equal(t, 2, sched.cancels)
}

func TestManager_DestroySession(t *testing.T) {
	array := newFakeArray(t)
	m := newTestManager(t, array, &fakeScheduler{})

	s, err := m.GetSession(context.Background(), "ep-1")
	require.NoError(t, err)

	m.DestroySession(context.Background(), "ep-1")

	assert.Zero(t, m.LiveSessions())
	assert.Contains(t, array.deletions(), fmt.Sprintf("/sessions/%d", s.SessionID))
}

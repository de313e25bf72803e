// internal/poller/poller_test.go
package poller

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FairForge/replimon/internal/alerting"
	"github.com/FairForge/replimon/internal/rpo"
	"github.com/FairForge/replimon/internal/session"
	"github.com/FairForge/replimon/internal/store"
	"github.com/FairForge/replimon/internal/vendorapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu        sync.Mutex
	endpoints []store.Endpoint
	groups    map[string][]store.ConsistencyGroup
	samples   []store.RpoSample
	backfills map[string]int64
	alerts    []*store.Alert
}

func newFakeStore(endpoints ...store.Endpoint) *fakeStore {
	return &fakeStore{
		endpoints: endpoints,
		groups:    make(map[string][]store.ConsistencyGroup),
		backfills: make(map[string]int64),
	}
}

func (f *fakeStore) ListEndpoints(_ context.Context, _ string, _ bool) ([]store.Endpoint, error) {
	return f.endpoints, nil
}

func (f *fakeStore) ListConsistencyGroups(_ context.Context, endpointID string) ([]store.ConsistencyGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[endpointID], nil
}

func (f *fakeStore) AppendSample(_ context.Context, s *store.RpoSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, *s)
	return nil
}

func (f *fakeStore) BackfillLatestSample(_ context.Context, groupID int, endpointID string, blockDeltaBytes int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backfills[fmt.Sprintf("%d@%s", groupID, endpointID)] = blockDeltaBytes
	return nil
}

func (f *fakeStore) RecentQCounts(_ context.Context, groupID int, endpointID string, limit int) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var counts []float64
	for _, s := range f.samples {
		if s.GroupID == groupID && s.SourceEndpointID == endpointID {
			counts = append(counts, float64(s.QCount))
		}
	}
	if len(counts) > limit {
		counts = counts[len(counts)-limit:]
	}
	return counts, nil
}

func (f *fakeStore) InsertAlertIfNew(_ context.Context, a *store.Alert) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.alerts {
		if existing.GroupID == a.GroupID && existing.Type == a.Type &&
			existing.Severity == a.Severity && !existing.Acknowledged {
			return false, nil
		}
	}
	f.alerts = append(f.alerts, a)
	return true, nil
}

func (f *fakeStore) sampleCount(endpointID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.samples {
		if s.SourceEndpointID == endpointID {
			n++
		}
	}
	return n
}

type mapSessions map[string]string // endpoint id -> base URL

func (m mapSessions) GetSession(_ context.Context, endpointID string) (session.Session, error) {
	baseURL, ok := m[endpointID]
	if !ok {
		return session.Session{}, session.ErrCredentialsNotFound
	}
	return session.Session{
		EndpointID: endpointID,
		Token:      "tok-" + endpointID,
		BaseURL:    baseURL,
		CreatedAt:  time.Now(),
		AliveTime:  300,
	}, nil
}

// healthyArray serves one journal and no pairs.
func healthyArray(t *testing.T, usageRate int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/views/actions/refresh/invoke":
			w.WriteHeader(http.StatusOK)
		case "/journals":
			_, _ = fmt.Fprintf(w, `{"data":[{"journalId":"001","consistencyGroupId":1,"journalStatus":"PJNN","usageRate":%d,"qCount":5,"byteFormatCapacity":"1 G","copySpeed":256}]}`, usageRate)
		case "/remote-copypairs":
			_, _ = fmt.Fprint(w, `{"data":[]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// brokenArray fails every journal read.
func brokenArray(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/journals" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestPoller(st *fakeStore, sessions Sessions) *Poller {
	client := vendorapi.NewClient(vendorapi.Config{AttemptTimeout: 5 * time.Second}, zap.NewNop())
	calc := rpo.NewCalculator(rpo.DefaultThresholds(), zap.NewNop())
	evaluator := alerting.NewEvaluator(st, zap.NewNop())
	return New(client, sessions, st, calc, evaluator, nil, Config{IntervalMinutes: 1}, zap.NewNop())
}

func arrayEndpoint(id string) store.Endpoint {
	return store.Endpoint{ID: id, Name: id, Type: "array", Monitored: true}
}

func TestPoller_RunCycle(t *testing.T) {
	t.Run("records samples and raises threshold alerts", func(t *testing.T) {
		srv := healthyArray(t, 25)
		st := newFakeStore(arrayEndpoint("ep-a"))
		p := newTestPoller(st, mapSessions{"ep-a": srv.URL})

		require.True(t, p.RunCycle(context.Background()))

		require.Equal(t, 1, st.sampleCount("ep-a"))
		assert.Equal(t, 25, st.samples[0].UsageRate)
		assert.Equal(t, int64(1<<30)*25/100, st.samples[0].PendingBytes)

		require.NotEmpty(t, st.alerts)
		assert.Equal(t, alerting.TypeJournalUsage, st.alerts[0].Type)
		assert.Equal(t, "critical", st.alerts[0].Severity)
	})

	t.Run("multi-journal group alerts once on the aggregate", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/views/actions/refresh/invoke":
				w.WriteHeader(http.StatusOK)
			case "/journals":
				_, _ = fmt.Fprint(w, `{"data":[
					{"journalId":"001","consistencyGroupId":1,"journalStatus":"PJNN","usageRate":10,"qCount":5,"byteFormatCapacity":"1 G"},
					{"journalId":"002","consistencyGroupId":1,"journalStatus":"PJNN","usageRate":7,"qCount":3,"byteFormatCapacity":"1 G"}]}`)
			case "/remote-copypairs":
				_, _ = fmt.Fprint(w, `{"data":[]}`)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		t.Cleanup(srv.Close)

		st := newFakeStore(arrayEndpoint("ep-a"))
		p := newTestPoller(st, mapSessions{"ep-a": srv.URL})

		require.True(t, p.RunCycle(context.Background()))
		require.Equal(t, 2, st.sampleCount("ep-a"))

		var usage []*store.Alert
		for _, a := range st.alerts {
			if a.Type == alerting.TypeJournalUsage {
				usage = append(usage, a)
			}
		}
		require.Len(t, usage, 1, "one usage alert per group, not per journal")
		assert.Equal(t, "warning", usage[0].Severity)
		// Worst journal's usage, both journals' backlog.
		wantPending := int64(1<<30)*10/100 + int64(1<<30)*7/100
		assert.Contains(t, usage[0].Message, "journal usage 10%")
		assert.Contains(t, usage[0].Message, fmt.Sprintf("pending %d bytes", wantPending))
	})

	t.Run("one endpoint failing does not stop the others", func(t *testing.T) {
		broken := brokenArray(t)
		healthy := healthyArray(t, 3)
		st := newFakeStore(arrayEndpoint("ep-a"), arrayEndpoint("ep-b"))
		p := newTestPoller(st, mapSessions{"ep-a": broken.URL, "ep-b": healthy.URL})

		before := p.Status().LastPoll
		require.True(t, p.RunCycle(context.Background()))

		status := p.Status()
		assert.True(t, status.LastPoll.After(before), "last poll must advance despite the failure")
		require.Len(t, status.LastErrors, 1)
		assert.Equal(t, "ep-a", status.LastErrors[0].EndpointID)
		assert.Equal(t, 1, st.sampleCount("ep-b"))
		assert.Zero(t, st.sampleCount("ep-a"))
	})

	t.Run("a cycle in flight makes the next attempt a no-op", func(t *testing.T) {
		st := newFakeStore()
		p := newTestPoller(st, mapSessions{})

		atomic.StoreInt32(&p.state, stateCollecting)
		assert.False(t, p.RunCycle(context.Background()))
		assert.False(t, p.PollNow(context.Background()))

		atomic.StoreInt32(&p.state, stateIdle)
		assert.True(t, p.RunCycle(context.Background()))
	})

	t.Run("unused mirror entries are skipped", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/journals":
				_, _ = fmt.Fprint(w, `{"data":[
					{"journalId":"001","consistencyGroupId":1,"journalStatus":"SMPL","usageRate":50,"byteFormatCapacity":"1 G"},
					{"journalId":"002","consistencyGroupId":2,"journalStatus":"PJNN","usageRate":2,"byteFormatCapacity":"1 G"}
				]}`)
			case "/remote-copypairs":
				_, _ = fmt.Fprint(w, `{"data":[]}`)
			default:
				w.WriteHeader(http.StatusOK)
			}
		}))
		defer srv.Close()

		st := newFakeStore(arrayEndpoint("ep-a"))
		p := newTestPoller(st, mapSessions{"ep-a": srv.URL})

		require.True(t, p.RunCycle(context.Background()))
		require.Equal(t, 1, st.sampleCount("ep-a"))
		assert.Equal(t, "002", st.samples[0].JournalID)
	})

	t.Run("cache refresh failure is ignored", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/views/actions/refresh/invoke":
				w.WriteHeader(http.StatusBadRequest)
			case "/journals":
				_, _ = fmt.Fprint(w, `{"data":[{"journalId":"001","consistencyGroupId":1,"journalStatus":"PJNN","usageRate":1,"byteFormatCapacity":"1 G"}]}`)
			case "/remote-copypairs":
				_, _ = fmt.Fprint(w, `{"data":[]}`)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		defer srv.Close()

		st := newFakeStore(arrayEndpoint("ep-a"))
		p := newTestPoller(st, mapSessions{"ep-a": srv.URL})

		require.True(t, p.RunCycle(context.Background()))
		assert.Empty(t, p.Status().LastErrors)
		assert.Equal(t, 1, st.sampleCount("ep-a"))
	})
}

func TestPoller_BlockDeltaBackfill(t *testing.T) {
	t.Run("backfills the group sample with the summed delta", func(t *testing.T) {
		remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/ldevs/20" {
				_, _ = fmt.Fprint(w, `{"ldevId":20,"numOfUsedBlock":900}`)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}))
		defer remote.Close()

		local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/journals":
				_, _ = fmt.Fprint(w, `{"data":[{"journalId":"001","consistencyGroupId":1,"journalStatus":"PJNN","usageRate":1,"byteFormatCapacity":"1 G"}]}`)
			case "/remote-copypairs":
				_, _ = fmt.Fprint(w, `{"data":[{"pvolLdevId":10,"svolLdevId":20,"replicationType":"UR","consistencyGroupId":1,"pvolStatus":"PAIR"}]}`)
			case "/ldevs/10":
				_, _ = fmt.Fprint(w, `{"ldevId":10,"numOfUsedBlock":1000}`)
			default:
				w.WriteHeader(http.StatusOK)
			}
		}))
		defer local.Close()

		st := newFakeStore(arrayEndpoint("ep-a"))
		st.groups["ep-a"] = []store.ConsistencyGroup{
			{GroupID: 1, SourceEndpointID: "ep-a", TargetEndpointID: "ep-remote"},
		}
		p := newTestPoller(st, mapSessions{"ep-a": local.URL, "ep-remote": remote.URL})

		require.True(t, p.RunCycle(context.Background()))
		assert.Equal(t, int64(51200), st.backfills["1@ep-a"])
	})

	t.Run("ldev read failure leaves method-1 data intact", func(t *testing.T) {
		local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/journals":
				_, _ = fmt.Fprint(w, `{"data":[{"journalId":"001","consistencyGroupId":1,"journalStatus":"PJNN","usageRate":1,"byteFormatCapacity":"1 G"}]}`)
			case "/remote-copypairs":
				_, _ = fmt.Fprint(w, `{"data":[{"pvolLdevId":10,"svolLdevId":20,"replicationType":"UR","consistencyGroupId":1,"pvolStatus":"PAIR"}]}`)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		defer local.Close()

		st := newFakeStore(arrayEndpoint("ep-a"))
		p := newTestPoller(st, mapSessions{"ep-a": local.URL})

		require.True(t, p.RunCycle(context.Background()))
		assert.Equal(t, 1, st.sampleCount("ep-a"))
		assert.Empty(t, st.backfills)
		assert.Empty(t, p.Status().LastErrors)
	})
}

func TestPoller_StartStop(t *testing.T) {
	st := newFakeStore()
	p := newTestPoller(st, mapSessions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	p.Stop()

	// Stop returned, so the loop exited; a second Stop must not panic.
	assert.NotPanics(t, func() { p.stopOnce.Do(func() {}) })
}

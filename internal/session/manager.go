// internal/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/replimon/internal/vendorapi"
	"go.uber.org/zap"
)

// ErrCredentialsNotFound means no validated credentials exist for the
// endpoint; the caller cannot authenticate and should surface this to
// the operator rather than retry.
var ErrCredentialsNotFound = errors.New("session: credentials not found")

const (
	// DefaultAliveTime is the session lifetime requested from the array.
	DefaultAliveTime = 300
	// MinAliveTime is the floor for cross-endpoint sessions; remote
	// copy-group queries fail when the remote token expires mid-call.
	MinAliveTime = 60

	// renewalMargin is subtracted from the alive time before a cached
	// session is considered too old to hand out.
	renewalMargin = 60 * time.Second

	// maxLiveSessions is the vendor-imposed cap per array. Only one
	// session per endpoint is cached here, so this is a warning level,
	// not a hard limit.
	maxLiveSessions = 64
)

// Credential is the decrypted connection material for one endpoint.
type Credential struct {
	EndpointID string
	BaseURL    string
	Username   string
	Password   string
}

// CredentialSource looks up validated credentials for an endpoint.
// Implementations return ErrCredentialsNotFound when none exist.
type CredentialSource interface {
	Lookup(ctx context.Context, endpointID string) (Credential, error)
}

// Session is one live authentication session against an endpoint.
type Session struct {
	EndpointID string
	Token      string
	SessionID  int
	BaseURL    string
	CreatedAt  time.Time
	AliveTime  int // seconds
}

// RemoteSession pairs a local and a remote session for two-array calls.
type RemoteSession struct {
	Local  Session
	Remote Session
}

type cacheEntry struct {
	session       Session
	cancelRenewal CancelFunc
}

// Observer receives session lifecycle notifications. Either field may
// be nil.
type Observer struct {
	SessionsChanged func(live int)
	Renewed         func()
}

// Manager owns at most one live session per endpoint, renews each
// before expiry, and tears everything down on shutdown. All session
// state lives in this instance; nothing is package-global.
type Manager struct {
	client    *vendorapi.Client
	creds     CredentialSource
	scheduler Scheduler
	logger    *zap.Logger
	now       func() time.Time
	aliveTime int

	mu       sync.Mutex
	sessions map[string]*cacheEntry
	locks    map[string]*sync.Mutex
	observer Observer
}

// SetObserver installs lifecycle callbacks, typically metrics hooks.
// Call before the manager is in use.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

func (m *Manager) notifySessions(live int) {
	if m.observer.SessionsChanged != nil {
		m.observer.SessionsChanged(live)
	}
}

// NewManager creates a session manager. scheduler may be nil, in which
// case a wall-clock scheduler is used.
func NewManager(client *vendorapi.Client, creds CredentialSource, scheduler Scheduler, logger *zap.Logger) *Manager {
	if scheduler == nil {
		scheduler = NewScheduler()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client:    client,
		creds:     creds,
		scheduler: scheduler,
		logger:    logger,
		now:       time.Now,
		aliveTime: DefaultAliveTime,
		sessions:  make(map[string]*cacheEntry),
		locks:     make(map[string]*sync.Mutex),
	}
}

// endpointLock serializes session creation per endpoint. Two
// concurrent GetSession calls for one endpoint must not both create a
// session: only one would be cached and the other token would leak.
func (m *Manager) endpointLock(endpointID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[endpointID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[endpointID] = l
	}
	return l
}

// Validate checks credentials against an array by opening and
// immediately closing a session. Nothing is cached and nothing is
// read from the credential source; the caller decides whether the
// credentials are worth persisting.
func (m *Manager) Validate(ctx context.Context, baseURL, username, password string) error {
	info, err := m.client.CreateSession(ctx, baseURL, username, password, MinAliveTime)
	if err != nil {
		return fmt.Errorf("session: validate against %s: %w", baseURL, err)
	}
	if err := m.client.DeleteSession(ctx, baseURL, info.Token, info.SessionID); err != nil {
		// The probe session expires on its own after MinAliveTime.
		m.logger.Warn("validation session not cleaned up",
			zap.String("base_url", baseURL), zap.Error(err))
	}
	return nil
}

// GetSession returns a live session for the endpoint, creating one if
// the cache is empty or the cached session is inside its renewal
// margin.
func (m *Manager) GetSession(ctx context.Context, endpointID string) (Session, error) {
	lock := m.endpointLock(endpointID)
	lock.Lock()
	defer lock.Unlock()

	if s, ok := m.cachedFresh(endpointID); ok {
		return s, nil
	}
	return m.createAndCache(ctx, endpointID)
}

// GetRemoteSession returns live sessions for both sides of a remote
// replication query.
func (m *Manager) GetRemoteSession(ctx context.Context, localID, remoteID string) (RemoteSession, error) {
	local, err := m.GetSession(ctx, localID)
	if err != nil {
		return RemoteSession{}, fmt.Errorf("session: local endpoint %s: %w", localID, err)
	}
	remote, err := m.GetSession(ctx, remoteID)
	if err != nil {
		return RemoteSession{}, fmt.Errorf("session: remote endpoint %s: %w", remoteID, err)
	}
	return RemoteSession{Local: local, Remote: remote}, nil
}

func (m *Manager) cachedFresh(endpointID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sessions[endpointID]
	if !ok {
		return Session{}, false
	}

	age := m.now().Sub(entry.session.CreatedAt)
	if age >= time.Duration(entry.session.AliveTime)*time.Second-renewalMargin {
		return Session{}, false
	}
	return entry.session, true
}

func (m *Manager) createAndCache(ctx context.Context, endpointID string) (Session, error) {
	cred, err := m.creds.Lookup(ctx, endpointID)
	if err != nil {
		return Session{}, err
	}

	aliveTime := m.aliveTime
	if aliveTime < MinAliveTime {
		aliveTime = MinAliveTime
	}

	info, err := m.client.CreateSession(ctx, cred.BaseURL, cred.Username, cred.Password, aliveTime)
	if err != nil {
		return Session{}, fmt.Errorf("session: create for %s: %w", endpointID, err)
	}

	s := Session{
		EndpointID: endpointID,
		Token:      info.Token,
		SessionID:  info.SessionID,
		BaseURL:    cred.BaseURL,
		CreatedAt:  m.now(),
		AliveTime:  aliveTime,
	}

	cancel := m.scheduler.AfterFunc(renewalDelay(aliveTime), func() {
		m.renew(endpointID)
	})

	m.mu.Lock()
	m.sessions[endpointID] = &cacheEntry{session: s, cancelRenewal: cancel}
	live := len(m.sessions)
	m.mu.Unlock()
	m.notifySessions(live)

	if live >= maxLiveSessions-8 {
		m.logger.Warn("live session count approaching vendor limit",
			zap.Int("live", live),
			zap.Int("limit", maxLiveSessions))
	}

	m.logger.Debug("session created",
		zap.String("endpoint", endpointID),
		zap.Int("sessionId", info.SessionID),
		zap.Int("aliveTime", aliveTime))

	return s, nil
}

// renewalDelay is how long after creation the replacement session is
// made: one margin before expiry, but never sooner than 30 seconds.
func renewalDelay(aliveTimeSeconds int) time.Duration {
	d := time.Duration(aliveTimeSeconds)*time.Second - renewalMargin
	if d < 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// renew replaces the cached session for an endpoint, then best-effort
// deletes the predecessor on the array. On failure the cache entry is
// evicted so the next caller recreates from scratch: a stale token is
// worse than a cache miss.
func (m *Manager) renew(endpointID string) {
	lock := m.endpointLock(endpointID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	entry, ok := m.sessions[endpointID]
	m.mu.Unlock()
	if !ok {
		return
	}
	old := entry.session

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	replacement, err := m.createAndCache(ctx, endpointID)
	if err != nil {
		m.logger.Warn("session renewal failed, evicting",
			zap.String("endpoint", endpointID),
			zap.Error(err))
		m.evict(endpointID)
		return
	}

	if err := m.client.DeleteSession(ctx, old.BaseURL, old.Token, old.SessionID); err != nil {
		m.logger.Warn("old session deletion failed",
			zap.String("endpoint", endpointID),
			zap.Int("sessionId", old.SessionID),
			zap.Error(err))
	}

	if m.observer.Renewed != nil {
		m.observer.Renewed()
	}

	m.logger.Debug("session renewed",
		zap.String("endpoint", endpointID),
		zap.Int("oldSessionId", old.SessionID),
		zap.Int("newSessionId", replacement.SessionID))
}

func (m *Manager) evict(endpointID string) {
	m.mu.Lock()
	entry, ok := m.sessions[endpointID]
	if ok {
		entry.cancelRenewal()
		delete(m.sessions, endpointID)
	}
	live := len(m.sessions)
	m.mu.Unlock()
	if ok {
		m.notifySessions(live)
	}
}

// DestroySession cancels renewal and best-effort deletes the session
// on the array.
func (m *Manager) DestroySession(ctx context.Context, endpointID string) {
	lock := m.endpointLock(endpointID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	entry, ok := m.sessions[endpointID]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.evict(endpointID)

	if err := m.client.DeleteSession(ctx, entry.session.BaseURL, entry.session.Token, entry.session.SessionID); err != nil {
		m.logger.Warn("session deletion failed",
			zap.String("endpoint", endpointID),
			zap.Error(err))
	}
}

// LiveSessions reports how many sessions are currently cached.
func (m *Manager) LiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CleanupAll cancels every renewal timer and attempts to delete every
// cached session remotely. Each deletion is bounded by a short timeout
// so shutdown cannot hang on an unreachable array.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*cacheEntry, 0, len(m.sessions))
	for id, entry := range m.sessions {
		entry.cancelRenewal()
		entries = append(entries, entry)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.notifySessions(0)

	for _, entry := range entries {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.client.DeleteSession(callCtx, entry.session.BaseURL, entry.session.Token, entry.session.SessionID)
		cancel()
		if err != nil {
			m.logger.Warn("cleanup: session deletion failed",
				zap.String("endpoint", entry.session.EndpointID),
				zap.Error(err))
		}
		if ctx.Err() != nil {
			m.logger.Warn("cleanup aborted by shutdown deadline",
				zap.Int("remaining", len(entries)))
			return
		}
	}
}

package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/carevisit/carevisit/internal/model"
	"github.com/carevisit/carevisit/internal/repository"
)

// memStore is an in-memory stand-in for Postgres. It enforces the same
// unique indexes as the schema and runs transactions one at a time,
// restoring its state when fn fails.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	users       map[string]*model.User
	attempts    []*model.ActivationAttempt
	activations map[string]*model.ActivationSession
	sessions    map[string]*model.DeviceSession
	keys        []*model.SigningKey
	audits      []*model.AuditLog

	failRecord error
	failTouch  error
	commits    int
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[string]*model.User),
		activations: make(map[string]*model.ActivationSession),
		sessions:    make(map[string]*model.DeviceSession),
	}
}

type memTxKey struct{}

type memSnapshot struct {
	users       map[string]*model.User
	attempts    []*model.ActivationAttempt
	activations map[string]*model.ActivationSession
	sessions    map[string]*model.DeviceSession
	keys        []*model.SigningKey
}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	m.mu.Lock()
	m.commits++
	m.mu.Unlock()
	return nil
}

func (m *memStore) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := memSnapshot{
		users:       make(map[string]*model.User, len(m.users)),
		attempts:    append([]*model.ActivationAttempt(nil), m.attempts...),
		activations: make(map[string]*model.ActivationSession, len(m.activations)),
		sessions:    make(map[string]*model.DeviceSession, len(m.sessions)),
	}
	for id, u := range m.users {
		c := *u
		s.users[id] = &c
	}
	for id, a := range m.activations {
		c := *a
		s.activations[id] = &c
	}
	for id, ds := range m.sessions {
		c := *ds
		s.sessions[id] = &c
	}
	for _, k := range m.keys {
		c := *k
		s.keys = append(s.keys, &c)
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = s.users
	m.attempts = s.attempts
	m.activations = s.activations
	m.sessions = s.sessions
	m.keys = s.keys
}

func duplicate(constraint string) error {
	return &repository.DuplicateError{Constraint: constraint, Err: errors.New("unique violation")}
}

// test helpers

func (m *memStore) addUser(u *model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *u
	m.users[u.ID] = &c
}

func (m *memStore) attemptOutcomes() []model.ActivationOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ActivationOutcome, len(m.attempts))
	for i, a := range m.attempts {
		out[i] = a.Outcome
	}
	return out
}

func (m *memStore) auditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.audits))
	for i, a := range m.audits {
		out[i] = a.Action
	}
	return out
}

func (m *memStore) session(id string) *model.DeviceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.sessions[id]
	if !ok {
		return nil
	}
	c := *ds
	return &c
}

func (m *memStore) activation(id string) *model.ActivationSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activations[id]
	if !ok {
		return nil
	}
	c := *a
	return &c
}

func (m *memStore) unrevokedForFingerprint(fp string) []*model.DeviceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.DeviceSession
	for _, ds := range m.sessions {
		if ds.DeviceFingerprint == fp && ds.RevokedAt == nil {
			c := *ds
			out = append(out, &c)
		}
	}
	return out
}

// memActivations implements ActivationStore
type memActivations struct{ *memStore }

func (m memActivations) FindUserByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m memActivations) CountRecentAttempts(_ context.Context, email, fp string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if a.Email == email && a.DeviceFingerprint == fp && a.Outcome != model.OutcomeRateLimited && a.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m memActivations) RecordAttempt(_ context.Context, a *model.ActivationAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRecord != nil {
		return m.failRecord
	}
	c := *a
	m.attempts = append(m.attempts, &c)
	return nil
}

func (m memActivations) HasActiveSession(_ context.Context, userID, fp string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.activations {
		if a.UserID == userID && a.DeviceFingerprint == fp && a.IsActive(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m memActivations) RevokePendingSessions(_ context.Context, userID, fp string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.activations {
		if a.UserID == userID && a.DeviceFingerprint == fp && a.CompletedAt == nil && a.RevokedAt == nil {
			t := now
			a.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

func (m memActivations) CreateActivationSession(_ context.Context, s *model.ActivationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.activations {
		if a.ActivationTokenHash == s.ActivationTokenHash {
			return duplicate(repository.ConstraintActivationTokenHash)
		}
		if a.UserID == s.UserID && a.DeviceFingerprint == s.DeviceFingerprint && a.CompletedAt == nil && a.RevokedAt == nil {
			return duplicate(repository.ConstraintActivationActivePair)
		}
	}
	c := *s
	m.activations[s.ID] = &c
	return nil
}

func (m memActivations) FindActivationSessionByTokenHash(_ context.Context, hash string) (*model.ActivationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.activations {
		if a.ActivationTokenHash == hash {
			c := *a
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m memActivations) LockActivationSession(_ context.Context, id string) (*model.ActivationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m memActivations) CompleteActivationSession(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activations[id]
	if !ok || a.CompletedAt != nil || a.RevokedAt != nil {
		return repository.ErrConflict
	}
	t := now
	a.CompletedAt = &t
	return nil
}

// memSessions implements DeviceSessionStore
type memSessions struct{ *memStore }

func (m memSessions) Create(_ context.Context, s *model.DeviceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ds := range m.sessions {
		switch {
		case ds.DeviceFingerprint == s.DeviceFingerprint && ds.RevokedAt == nil:
			return duplicate(repository.ConstraintDeviceFingerprint)
		case ds.TokenID == s.TokenID:
			return duplicate(repository.ConstraintDeviceTokenID)
		case ds.RotationID == s.RotationID:
			return duplicate(repository.ConstraintDeviceRotationID)
		case ds.ActivationSessionID == s.ActivationSessionID:
			return duplicate(repository.ConstraintDeviceActivation)
		}
	}
	c := *s
	m.sessions[s.ID] = &c
	return nil
}

func (m memSessions) FindActiveByFingerprint(_ context.Context, fp string) (*model.DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ds := range m.sessions {
		if ds.DeviceFingerprint == fp && ds.RevokedAt == nil {
			c := *ds
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m memSessions) FindByIDWithUser(_ context.Context, id string, _ bool) (*model.DeviceSessionWithUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u, ok := m.users[ds.UserID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &model.DeviceSessionWithUser{Session: *ds, User: *u}, nil
}

func (m memSessions) ListActiveByUser(_ context.Context, userID string) ([]*model.DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.DeviceSession
	for _, ds := range m.sessions {
		if ds.UserID == userID && ds.RevokedAt == nil {
			c := *ds
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m memSessions) Rotate(_ context.Context, id, expected string, rot model.SessionRotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.sessions[id]
	if !ok || ds.RotationID != expected || ds.RevokedAt != nil {
		return repository.ErrConflict
	}
	at := rot.RotatedAt
	ds.TokenID = rot.TokenID
	ds.RotationID = rot.RotationID
	ds.RefreshTokenHash = rot.RefreshTokenHash
	ds.RefreshTokenExpiresAt = rot.RefreshTokenExpiresAt
	ds.LastRotatedAt = &at
	ds.LastSeenAt = &at
	return nil
}

func (m memSessions) Revoke(_ context.Context, id string, reason model.RevocationReason, now time.Time) (*model.RevokedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if ds.RevokedAt != nil {
		return nil, nil
	}
	revoke(ds, reason, now)
	return &model.RevokedSession{ID: ds.ID, UserID: ds.UserID, Reason: reason, RevokedAt: now}, nil
}

func (m memSessions) RevokeActiveByFingerprint(_ context.Context, fp string, reason model.RevocationReason, now time.Time) ([]model.RevokedSession, error) {
	return m.revokeWhere(func(ds *model.DeviceSession) bool { return ds.DeviceFingerprint == fp }, reason, now), nil
}

func (m memSessions) RevokeAllForUser(_ context.Context, userID string, reason model.RevocationReason, now time.Time) ([]model.RevokedSession, error) {
	return m.revokeWhere(func(ds *model.DeviceSession) bool { return ds.UserID == userID }, reason, now), nil
}

func (m memSessions) revokeWhere(match func(*model.DeviceSession) bool, reason model.RevocationReason, now time.Time) []model.RevokedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RevokedSession
	for _, ds := range m.sessions {
		if ds.RevokedAt == nil && match(ds) {
			revoke(ds, reason, now)
			out = append(out, model.RevokedSession{ID: ds.ID, UserID: ds.UserID, Reason: reason, RevokedAt: now})
		}
	}
	return out
}

func revoke(ds *model.DeviceSession, reason model.RevocationReason, now time.Time) {
	t, r := now, reason
	ds.RevokedAt = &t
	ds.RevokedReason = &r
}

func (m memSessions) Touch(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTouch != nil {
		return m.failTouch
	}
	if ds, ok := m.sessions[id]; ok && ds.RevokedAt == nil {
		t := now
		ds.LastSeenAt = &t
	}
	return nil
}

// memUsers implements UserStore
type memUsers struct{ *memStore }

func (m memUsers) Create(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return duplicate(repository.ConstraintUserEmail)
		}
	}
	c := *u
	m.users[u.ID] = &c
	return nil
}

func (m memUsers) GetByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m memUsers) SetActive(_ context.Context, id string, active bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.IsActive = active
	u.UpdatedAt = now
	return nil
}

// memAudit implements AuditRecorder
type memAudit struct{ *memStore }

func (m memAudit) Create(_ context.Context, l *model.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *l
	m.audits = append(m.audits, &c)
	return nil
}

// memKeys implements SigningKeyStore
type memKeys struct{ *memStore }

func (m memKeys) Create(_ context.Context, k *model.SigningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *k
	m.keys = append(m.keys, &c)
	return nil
}

func (m memKeys) ListVerifiable(_ context.Context, now time.Time) ([]*model.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.SigningKey
	for _, k := range m.keys {
		if k.VerifyUntil.After(now) {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m memKeys) RetireActive(_ context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.IsActive {
			t := now
			k.IsActive = false
			k.PrivateKey = nil
			k.RetiredAt = &t
		}
	}
	return nil
}

// recordingPublisher collects published revocations
type recordingPublisher struct {
	mu      sync.Mutex
	revoked []model.RevokedSession
}

func (p *recordingPublisher) PublishRevoked(_ context.Context, rs model.RevokedSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, rs)
}

func (p *recordingPublisher) reasons() []model.RevocationReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.RevocationReason, len(p.revoked))
	for i, rs := range p.revoked {
		out[i] = rs.Reason
	}
	return out
}

// recordingNotifier collects notices
type recordingNotifier struct {
	mu       sync.Mutex
	enrolled []string
	replayed []string
}

func (n *recordingNotifier) DeviceEnrolled(_ context.Context, _ *model.User, s *model.DeviceSession) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enrolled = append(n.enrolled, s.ID)
}

func (n *recordingNotifier) ReplayDetected(_ context.Context, _ *model.User, s *model.DeviceSession) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replayed = append(n.replayed, s.ID)
}

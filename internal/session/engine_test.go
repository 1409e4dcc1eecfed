package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/groupwarden/groupwarden/internal/cache"
	"github.com/groupwarden/groupwarden/internal/session"
	"github.com/groupwarden/groupwarden/internal/store"
	"github.com/groupwarden/groupwarden/internal/tracker"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSender struct {
	mu     sync.Mutex
	sent   []string
	nextID int64
	err    error
}

func (s *stubSender) SendEvent(_ context.Context, _ string, payload string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return 0, s.err
	}

	s.sent = append(s.sent, payload)
	s.nextID++

	return s.nextID, nil
}

type stubArchiver struct {
	mu       sync.Mutex
	archived [][]session.MessageRecord
	err      error
}

func (a *stubArchiver) ArchiveSession(
	_ context.Context, _, _, _ string, ledger []session.MessageRecord,
) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.err != nil {
		return a.err
	}

	a.archived = append(a.archived, ledger)

	return nil
}

type testEnv struct {
	engine   *session.Engine
	store    *store.Client
	tracker  *tracker.Manager
	sender   *stubSender
	archiver *stubArchiver
	mr       *miniredis.Miniredis
}

func setupTest(t *testing.T, opts ...func(*session.Detector) *session.Detector) (*testEnv, func()) {
	t.Helper()
	// Start miniredis server
	mr, err := miniredis.Run()
	require.NoError(t, err)

	// Create Redis client
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)

	logger := zap.NewNop()
	sc := store.NewClient(client, 0, logger)
	detector := session.NewDetector([]string{"x.example"}, false)

	for _, opt := range opts {
		detector = opt(detector)
	}

	sender := &stubSender{}
	archiver := &stubArchiver{}
	tm := tracker.NewManager(sc, logger)
	engine := session.NewEngine(
		sc, cache.NewCache(sc, time.Minute, logger), detector, sender, archiver, tm, logger,
	)

	env := &testEnv{
		engine:   engine,
		store:    sc,
		tracker:  tm,
		sender:   sender,
		archiver: archiver,
		mr:       mr,
	}

	cleanup := func() {
		mr.Close()
		client.Close()
	}

	return env, cleanup
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	env, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()

	// First start creates the session
	created, err := env.engine.StartSession(ctx, "acme", "group-1")
	require.NoError(t, err)
	assert.True(t, created)

	phase, ok := env.engine.GetPhase(ctx, "acme", "group-1")
	require.True(t, ok)
	assert.Equal(t, session.PhaseCollecting, phase)

	// Second start is an idempotent no-op
	created, err = env.engine.StartSession(ctx, "acme", "group-1")
	require.NoError(t, err)
	assert.False(t, created)

	// Advance into verifying
	require.NoError(t, env.engine.AdvancePhase(ctx, "acme", "group-1"))

	phase, ok = env.engine.GetPhase(ctx, "acme", "group-1")
	require.True(t, ok)
	assert.Equal(t, session.PhaseVerifying, phase)

	// Advancing twice is illegal
	err = env.engine.AdvancePhase(ctx, "acme", "group-1")
	assert.ErrorIs(t, err, session.ErrInvalidPhaseTransition)

	// Close archives the ledger and leaves a closed marker
	ledger, err := env.engine.CloseSession(ctx, "acme", "group-1")
	require.NoError(t, err)
	assert.Empty(t, ledger)

	phase, ok = env.engine.GetPhase(ctx, "acme", "group-1")
	require.True(t, ok)
	assert.Equal(t, session.PhaseClosed, phase)

	// Starting over a closed session begins a fresh instance
	created, err = env.engine.StartSession(ctx, "acme", "group-1")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestAdvancePhaseWithoutSession(t *testing.T) {
	t.Parallel()
	env, cleanup := setupTest(t)
	defer cleanup()

	err := env.engine.AdvancePhase(t.Context(), "acme", "group-1")
	assert.ErrorIs(t, err, session.ErrInvalidPhaseTransition)
}

func TestCloseSessionWithoutSession(t *testing.T) {
	t.Parallel()
	env, cleanup := setupTest(t)
	defer cleanup()

	_, err := env.engine.CloseSession(t.Context(), "acme", "group-1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestIngestAccepted(t *testing.T) {
	t.Parallel()
	env, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()
	_, err := env.engine.StartSession(ctx, "acme", "group-1")
	require.NoError(t, err)

	outcome, err := env.engine.IngestLink(ctx, "acme", "group-1", 100, "Alice", "https://x.example/alice")
	require.NoError(t, err)
	require.Equal(t, session.IngestAccepted, outcome.Status)
	require.NotNil(t, outcome.Record)
	assert.Equal(t, int64(1), outcome.Record.Seq)
	assert.Equal(t, "alice", outcome.Record.Handle)
	assert.Equal(t, uint64(100), outcome.Record.UserID)
	assert.False(t, outcome.Record.Fraud)
}

func TestIngestIgnored(t *testing.T) {
	t.Parallel()
	env, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()

	t.Run("no active session", func(t *testing.T) {
		outcome, err := env.engine.IngestLink(ctx, "acme", "group-1", 100, "Alice", "https://x.example/alice")
		require.NoError(t, err)
		assert.Equal(t, session.IngestIgnored, outcome.Status)
	})

	_, err := env.engine.StartSession(ctx, "acme", "group-1")
	require.NoError(t, err)

	t.Run("not an identity link", func(t *testing.T) {
		outcome, err := env.engine.IngestLink(ctx, "acme", "group-1", 100, "Alice", "hello everyone")
		require.NoError(t, err)
		assert.Equal(t, session.IngestIgnored, outcome.Status)
	})

	t.Run("verifying phase drops links", func(t *testing.T) {
		require.NoError(t, env.engine.AdvancePhase(ctx, "acme", "group-1"))

		outcome, err := env.engine.IngestLink(ctx, "acme", "group-1", 100, "Alice", "https://x.example/alice")
		require.NoError(t, err)
		assert.Equal(t, session.IngestIgnored, outcome.Status)
	})
}

func TestIngestConcurrentSequences(t *testing.T) {
	t.Parallel()
	env, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()
	_, err := env.engine.StartSession(ctx, "acme", "group-1")
	require.NoError(t, err)

	const workers = 20

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			userID := uint64(1000 + i)
			link := fmt.Sprintf("https://x.example/user%d", i)
			_, err := env.engine.IngestLink(ctx, "acme", "group-1", userID, "User", link)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	// Sequence numbers must be contiguous with no gaps or collisions
	ledger, err := env.engine.Ledger(ctx, "acme", "group-1")
	require.NoError(t, err)
	require.Len(t, ledger, workers)

	for i, record := range ledger {
		assert.Equal(t, int64(i+1), record.Seq)
	}
}

func TestIngestFraud(t *testing.T) {
	t.Parallel()
	env, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()
	_, err := env.engine.StartSession(ctx, "acme", "group-1")
	require.NoError(t, err)

	outcome, err := env.engine.IngestLink(ctx, "acme", "group-1", 100, "Alice", "https://x.example/shared")
	require.NoError(t, err)
	require.Equal(t, session.IngestAccepted, outcome.Status)

	// A different user submitting the same handle is flagged
	outcome, err = env.engine.IngestLink(ctx, "acme", "group-1", 200, "Bob", "https://x.example/SHARED")
	require.NoError(t, err)
	require.Equal(t, session.IngestFraud, outcome.Status)
	assert.Equal(t, []uint64{100, 200}, outcome.Offenders)
	require.NotNil(t, outcome.Record)
	assert.True(t, outcome.Record.Fraud)

	// The fraud record still lands in the ledger for audit
	ledger, err := env.engine.Ledger(ctx, "acme", "group-1")
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.True(t, ledger[1].Fraud)

	// An alert was sent and its message tracked for cleanup
	env.sender.mu.Lock()
	require.Len(t, env.sender.sent, 1)
	assert.Contains(t, env.sender.sent[0], "shared")
	env.sender.mu.Unlock()

	count, err := env.tracker.Count(ctx, "acme", "group-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIngestSameUserResubmission(t *testing.T) {
	t.Parallel()

	t.Run("accepted by default", func(t *testing.T) {
		t.Parallel()
		env, cleanup := setupTest(t)
		defer cleanup()

		ctx := t.Context()
		_, err := env.engine.StartSession(ctx, "acme", "group-1")
		require.NoError(t, err)

		_, err = env.engine.IngestLink(ctx, "acme", "group-1", 100, "Alice", "https://x.example/alice")
		require.NoError(t, err)

		outcome, err := env.engine.IngestLink(ctx, "acme", "group-1", 100, "Alice", "https://x.example/alice")
		require.NoError(t, err)
		assert.Equal(t, session.IngestAccepted, outcome.Status)
	})

	t.Run("rejected under one link policy", func(t *testing.T) {
		t.Parallel()
		env, cleanup := setupTest(t, func(*session.Detector) *session.Detector {
			return session.NewDetector([]string{"x.example"}, true)
		})
		defer cleanup()

		ctx := t.Context()
		_, err := env.engine.StartSession(ctx, "acme", "group-1")
		require.NoError(t, err)

		_, err = env.engine.IngestLink(ctx, "acme", "group-1", 100, "Alice", "https://x.example/alice")
		require.NoError(t, err)

		outcome, err := env.engine.IngestLink(ctx, "acme", "group-1", 100, "Alice", "https://x.example/alice")
		require.NoError(t, err)
		assert.Equal(t, session.IngestDuplicate, outcome.Status)
		assert.Nil(t, outcome.Record)

		// Rejected submissions leave no gap in the sequence
		ledger, err := env.engine.Ledger(ctx, "acme", "group-1")
		require.NoError(t, err)
		require.Len(t, ledger, 1)
		assert.Equal(t, int64(1), ledger[0].Seq)
	})
}

func TestTenantIsolation(t *testing.T) {
	t.Parallel()
	env, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()

	for _, tenant := range []string{"acme", "globex"} {
		_, err := env.engine.StartSession(ctx, tenant, "group-1")
		require.NoError(t, err)
	}

	// The same handle in two tenants never cross-contaminates
	outcome, err := env.engine.IngestLink(ctx, "acme", "group-1", 100, "Alice", "https://x.example/alice")
	require.NoError(t, err)
	assert.Equal(t, session.IngestAccepted, outcome.Status)

	outcome, err = env.engine.IngestLink(ctx, "globex", "group-1", 200, "Bob", "https://x.example/alice")
	require.NoError(t, err)
	assert.Equal(t, session.IngestAccepted, outcome.Status)
}

func TestQueryByUser(t *testing.T) {
	t.Parallel()
	env, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()
	_, err := env.engine.StartSession(ctx, "acme", "group-1")
	require.NoError(t, err)

	links := []string{"https://x.example/one", "https://x.example/two"}
	for _, link := range links {
		_, err := env.engine.IngestLink(ctx, "acme", "group-1", 100, "Alice", link)
		require.NoError(t, err)
	}

	_, err = env.engine.IngestLink(ctx, "acme", "group-1", 200, "Bob", "https://x.example/three")
	require.NoError(t, err)

	records, err := env.engine.QueryByUser(ctx, "acme", "group-1", 100)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].Seq)
	assert.Equal(t, int64(2), records[1].Seq)

	records, err = env.engine.QueryByUser(ctx, "acme", "group-1", 999)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestUsersWithMultipleLinks(t *testing.T) {
	t.Parallel()
	env, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()
	_, err := env.engine.StartSession(ctx, "acme", "group-1")
	require.NoError(t, err)

	for _, link := range []string{"https://x.example/one", "https://x.example/two"} {
		_, err := env.engine.IngestLink(ctx, "acme", "group-1", 100, "Alice", link)
		require.NoError(t, err)
	}

	_, err = env.engine.IngestLink(ctx, "acme", "group-1", 200, "Bob", "https://x.example/three")
	require.NoError(t, err)

	multi, err := env.engine.UsersWithMultipleLinks(ctx, "acme", "group-1")
	require.NoError(t, err)
	require.Len(t, multi, 1)
	assert.Len(t, multi[100], 2)
}

func TestParticipantCount(t *testing.T) {
	t.Parallel()
	env, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()
	_, err := env.engine.StartSession(ctx, "acme", "group-1")
	require.NoError(t, err)

	count, err := env.engine.ParticipantCount(ctx, "acme", "group-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	for i := range 3 {
		link := fmt.Sprintf("https://x.example/user%d", i)
		_, err := env.engine.IngestLink(ctx, "acme", "group-1", uint64(100+i), "User", link)
		require.NoError(t, err)
	}

	_, err = env.engine.IngestLink(ctx, "acme", "group-1", 100, "User", "https://x.example/extra")
	require.NoError(t, err)

	count, err = env.engine.ParticipantCount(ctx, "acme", "group-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCloseSessionArchiveFailureKeepsState(t *testing.T) {
	t.Parallel()
	env, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()
	_, err := env.engine.StartSession(ctx, "acme", "group-1")
	require.NoError(t, err)

	_, err = env.engine.IngestLink(ctx, "acme", "group-1", 100, "Alice", "https://x.example/alice")
	require.NoError(t, err)

	env.archiver.err = errors.New("database unavailable")

	_, err = env.engine.CloseSession(ctx, "acme", "group-1")
	require.Error(t, err)

	// The session stays open and the ledger survives
	phase, ok := env.engine.GetPhase(ctx, "acme", "group-1")
	require.True(t, ok)
	assert.Equal(t, session.PhaseCollecting, phase)

	ledger, err := env.engine.Ledger(ctx, "acme", "group-1")
	require.NoError(t, err)
	assert.Len(t, ledger, 1)
}

func TestCloseSessionLeavesPrefixSiblingIntact(t *testing.T) {
	t.Parallel()
	env, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()

	// Group "1" is a string prefix of group "12"; closing "1" must not
	// touch "12"'s keys
	for _, group := range []string{"1", "12"} {
		_, err := env.engine.StartSession(ctx, "acme", group)
		require.NoError(t, err)
	}

	_, err := env.engine.IngestLink(ctx, "acme", "1", 100, "Alice", "https://x.example/alice")
	require.NoError(t, err)

	_, err = env.engine.IngestLink(ctx, "acme", "12", 200, "Bob", "https://x.example/bob")
	require.NoError(t, err)

	_, err = env.engine.CloseSession(ctx, "acme", "1")
	require.NoError(t, err)

	phase, ok := env.engine.GetPhase(ctx, "acme", "12")
	require.True(t, ok)
	assert.Equal(t, session.PhaseCollecting, phase)

	ledger, err := env.engine.Ledger(ctx, "acme", "12")
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, uint64(200), ledger[0].UserID)

	records, err := env.engine.QueryByUser(ctx, "acme", "12", 200)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCloseSessionArchivesLedger(t *testing.T) {
	t.Parallel()
	env, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()
	_, err := env.engine.StartSession(ctx, "acme", "group-1")
	require.NoError(t, err)

	_, err = env.engine.IngestLink(ctx, "acme", "group-1", 100, "Alice", "https://x.example/alice")
	require.NoError(t, err)

	ledger, err := env.engine.CloseSession(ctx, "acme", "group-1")
	require.NoError(t, err)
	require.Len(t, ledger, 1)

	env.archiver.mu.Lock()
	require.Len(t, env.archiver.archived, 1)
	assert.Equal(t, ledger, env.archiver.archived[0])
	env.archiver.mu.Unlock()

	// Hot state is gone; only the closed marker remains
	_, err = env.engine.Ledger(ctx, "acme", "group-1")
	require.NoError(t, err)

	records, err := env.engine.QueryByUser(ctx, "acme", "group-1", 100)
	require.NoError(t, err)
	assert.Empty(t, records)
}

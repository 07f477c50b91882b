package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomatic/tomatic-backend/internal/catalog"
	"github.com/tomatic/tomatic-backend/internal/models"
	"github.com/tomatic/tomatic-backend/internal/providers"
	"github.com/tomatic/tomatic-backend/internal/repository"
)

// memoryStore is an in-memory SessionStore that counts calls so tests can
// observe debounce coalescing.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ChatSession
	seq      map[string]int
	nextSeq  int
	puts     int
	gets     int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sessions: make(map[string]*models.ChatSession),
		seq:      make(map[string]int),
	}
}

func (s *memoryStore) Put(ctx context.Context, session *models.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	copied := *session
	copied.Messages = append([]models.Message(nil), session.Messages...)
	s.sessions[session.SessionID] = &copied
	s.nextSeq++
	s.seq[session.SessionID] = s.nextSeq
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *session
	copied.Messages = append([]models.Message(nil), session.Messages...)
	return &copied, nil
}

func (s *memoryStore) ListIDsByRecency(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.sessions[ids[i]], s.sessions[ids[j]]
		if a.UpdatedAtMs != b.UpdatedAtMs {
			return a.UpdatedAtMs > b.UpdatedAtMs
		}
		return s.seq[ids[i]] > s.seq[ids[j]]
	})
	return ids, nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.seq, id)
	return nil
}

func (s *memoryStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *memoryStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func (s *memoryStore) stored(id string) *models.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil
	}
	copied := *session
	copied.Messages = append([]models.Message(nil), session.Messages...)
	return &copied
}

// queuedProvider serves a fixed sequence of streams, one per request.
type queuedProvider struct {
	mu      sync.Mutex
	streams []<-chan providers.StreamChunk
}

// pushClosed queues a stream that delivers the chunks and then ends.
func (p *queuedProvider) pushClosed(chunks ...providers.StreamChunk) {
	ch := make(chan providers.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	p.mu.Lock()
	p.streams = append(p.streams, ch)
	p.mu.Unlock()
}

// pushOpen queues a stream the test keeps feeding by hand.
func (p *queuedProvider) pushOpen() chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk)
	p.mu.Lock()
	p.streams = append(p.streams, ch)
	p.mu.Unlock()
	return ch
}

func (p *queuedProvider) Name() string { return "queued" }

func (p *queuedProvider) StreamComplete(ctx context.Context, req providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil, errors.New("no scripted stream queued")
	}
	ch := p.streams[0]
	p.streams = p.streams[1:]
	return ch, nil
}

func (p *queuedProvider) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	return nil, nil
}

func (p *queuedProvider) ValidateConfig() error { return nil }

type fakePrompts map[string]string

func (p fakePrompts) PromptByName(name string) *models.SystemPrompt {
	prompt, ok := p[name]
	if !ok {
		return nil
	}
	return &models.SystemPrompt{Name: name, Prompt: prompt}
}

type managerFixture struct {
	manager  *SessionManager
	store    *memoryStore
	provider *queuedProvider
}

func newManagerFixture(t *testing.T, debounce time.Duration) *managerFixture {
	t.Helper()

	store := newMemoryStore()
	provider := &queuedProvider{}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	seed := []models.ModelInfo{{
		ID:                    "openai/gpt-4o",
		Name:                  "GPT-4o",
		PromptCostPerMTok:     floatPtr(2.5),
		CompletionCostPerMTok: floatPtr(10),
	}}

	manager := NewSessionManager(ManagerOptions{
		Store:        store,
		Coordinator:  NewStreamCoordinator(provider, logger),
		Catalog:      catalog.New(seed, logger),
		Prompts:      fakePrompts{"coding": "You are a coding assistant."},
		Logger:       logger,
		DefaultModel: "openai/gpt-4o",
		Temperature:  1.0,
		Debounce:     debounce,
		HasAPIKey:    true,
	})
	return &managerFixture{manager: manager, store: store, provider: provider}
}

func TestSubmit_FirstTurnAddsSystemPromptOnce(t *testing.T) {
	f := newManagerFixture(t, 20*time.Millisecond)
	ctx := context.Background()

	f.manager.SetPrompt(stringPtr("coding"))

	f.provider.pushClosed(
		providers.StreamChunk{Delta: "First"},
		providers.StreamChunk{Usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 2}},
	)
	require.NoError(t, f.manager.Submit(ctx, "hello", nil))

	state := f.manager.State()
	require.NotEmpty(t, state.SessionID)
	assert.False(t, state.Busy)
	require.Len(t, state.Messages, 3)
	assert.Equal(t, models.RoleSystem, state.Messages[0].Role)
	assert.Equal(t, "You are a coding assistant.", state.Messages[0].Content)
	assert.Equal(t, models.RoleUser, state.Messages[1].Role)
	assert.Equal(t, models.RoleAssistant, state.Messages[2].Role)
	assert.Equal(t, "First", state.Messages[2].Content)
	require.NotNil(t, state.Messages[2].Cost)
	assert.InDelta(t, 2.5*10/1_000_000, state.Messages[2].Cost.PromptUSD, 1e-12)
	require.NotNil(t, state.Messages[2].ModelName)
	assert.Equal(t, "openai/gpt-4o", *state.Messages[2].ModelName)

	f.provider.pushClosed(providers.StreamChunk{Delta: "Second"})
	require.NoError(t, f.manager.Submit(ctx, "and again", nil))

	state = f.manager.State()
	require.Len(t, state.Messages, 5)
	systemCount := 0
	for _, msg := range state.Messages {
		if msg.Role == models.RoleSystem {
			systemCount++
		}
	}
	assert.Equal(t, 1, systemCount, "the system prompt joins the history on the first turn only")
}

func TestSubmit_EmptyInputRejectedBeforeAnyIO(t *testing.T) {
	f := newManagerFixture(t, time.Minute)

	err := f.manager.Submit(context.Background(), "", nil)
	require.ErrorIs(t, err, ErrEmptyInput)

	state := f.manager.State()
	assert.Empty(t, state.SessionID, "a rejected submit must not activate a session")
	assert.Empty(t, state.Messages)
	require.NotNil(t, state.Error)
	assert.Zero(t, f.store.putCount())
}

func TestSubmit_MissingAPIKeyRejected(t *testing.T) {
	f := newManagerFixture(t, time.Minute)
	f.manager.hasAPIKey = false

	err := f.manager.Submit(context.Background(), "hello", nil)
	require.ErrorIs(t, err, ErrNoAPIKey)

	state := f.manager.State()
	assert.Empty(t, state.Messages)
	require.NotNil(t, state.Error)
	assert.Contains(t, *state.Error, "API key")
}

func TestSubmit_RejectedWhileStreaming(t *testing.T) {
	f := newManagerFixture(t, time.Minute)
	ctx := context.Background()

	stream := f.provider.pushOpen()
	done := make(chan error, 1)
	go func() {
		done <- f.manager.Submit(ctx, "first", nil)
	}()

	require.Eventually(t, func() bool {
		return f.manager.State().Busy
	}, time.Second, time.Millisecond)

	err := f.manager.Submit(ctx, "second", nil)
	assert.ErrorIs(t, err, ErrBusy)

	close(stream)
	require.NoError(t, <-done)
	assert.False(t, f.manager.State().Busy)
}

func TestCancel_DiscardsPartialAssistant(t *testing.T) {
	f := newManagerFixture(t, time.Minute)
	ctx := context.Background()

	stream := f.provider.pushOpen()
	done := make(chan error, 1)
	go func() {
		done <- f.manager.Submit(ctx, "hello", nil)
	}()

	stream <- providers.StreamChunk{Delta: "partial"}
	require.Eventually(t, func() bool {
		msgs := f.manager.State().Messages
		return len(msgs) == 2 && msgs[1].Content == "partial"
	}, time.Second, time.Millisecond)

	f.manager.Cancel()
	require.NoError(t, <-done)

	state := f.manager.State()
	assert.False(t, state.Busy)
	require.Len(t, state.Messages, 1, "cancellation must leave only the user turn")
	assert.Equal(t, models.RoleUser, state.Messages[0].Role)
}

func TestSubmit_StreamFailureSetsErrorAndKeepsUserTurn(t *testing.T) {
	f := newManagerFixture(t, 20*time.Millisecond)
	ctx := context.Background()

	f.provider.pushClosed(
		providers.StreamChunk{Delta: "half an "},
		providers.StreamChunk{Error: "upstream exploded"},
	)
	err := f.manager.Submit(ctx, "hello", nil)
	require.EqualError(t, err, "upstream exploded")

	state := f.manager.State()
	assert.False(t, state.Busy)
	require.NotNil(t, state.Error)
	assert.Equal(t, "upstream exploded", *state.Error)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, models.RoleUser, state.Messages[0].Role)
}

func TestDebounce_CoalescesMutationsIntoOneWrite(t *testing.T) {
	f := newManagerFixture(t, 50*time.Millisecond)
	ctx := context.Background()

	f.provider.pushClosed(
		providers.StreamChunk{Delta: "a"},
		providers.StreamChunk{Delta: "b"},
		providers.StreamChunk{Delta: "c"},
		providers.StreamChunk{Delta: "d"},
	)
	require.NoError(t, f.manager.Submit(ctx, "hello", nil))

	require.Eventually(t, func() bool {
		return f.store.putCount() == 1
	}, time.Second, time.Millisecond)

	// Nothing else is pending; the count must not creep up.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, f.store.putCount())

	id := f.manager.State().SessionID
	stored := f.store.stored(id)
	require.NotNil(t, stored)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, "abcd", stored.Messages[1].Content)
}

func TestNewSession_FlushesPendingWriteBeforeReset(t *testing.T) {
	f := newManagerFixture(t, time.Minute)
	ctx := context.Background()

	f.provider.pushClosed(providers.StreamChunk{Delta: "answer"})
	require.NoError(t, f.manager.Submit(ctx, "hello", nil))

	id := f.manager.State().SessionID
	require.NotEmpty(t, id)
	assert.Zero(t, f.store.putCount(), "the debounce window has not elapsed yet")

	f.manager.NewSession(ctx)

	assert.Equal(t, 1, f.store.putCount(), "switching away must flush the pending write")
	stored := f.store.stored(id)
	require.NotNil(t, stored)
	assert.Len(t, stored.Messages, 2)

	state := f.manager.State()
	assert.Empty(t, state.SessionID)
	assert.Empty(t, state.Messages)
}

func TestFlush_WritesEvenWhenTimerFiredButBlocked(t *testing.T) {
	f := newManagerFixture(t, 20*time.Millisecond)
	ctx := context.Background()

	f.provider.pushClosed(providers.StreamChunk{Delta: "answer"})
	require.NoError(t, f.manager.Submit(ctx, "hello", nil))
	id := f.manager.State().SessionID

	// Hold the lock across the debounce deadline: the timer fires but its
	// callback blocks on the mutex. A session switch in this window must
	// still write the final state itself.
	m := f.manager
	m.mu.Lock()
	time.Sleep(60 * time.Millisecond)
	m.flushSaveLocked(ctx)
	m.resetLocked()
	m.mu.Unlock()

	stored := f.store.stored(id)
	require.NotNil(t, stored, "the switch must flush the pending write")
	assert.Len(t, stored.Messages, 2)

	// The unblocked callback sees the bumped generation and skips.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.store.putCount())
}

func TestPersist_PreservesStoredCreatedAt(t *testing.T) {
	f := newManagerFixture(t, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, f.store.Put(ctx, &models.ChatSession{
		SessionID:   "s1",
		Messages:    []models.Message{{Role: models.RoleUser, Content: "old"}},
		CreatedAtMs: 1_000,
		UpdatedAtMs: 2_000,
	}))
	require.NoError(t, f.manager.LoadSession(ctx, "s1"))

	f.provider.pushClosed(providers.StreamChunk{Delta: "fresh"})
	require.NoError(t, f.manager.Submit(ctx, "more", nil))

	require.Eventually(t, func() bool {
		stored := f.store.stored("s1")
		return stored != nil && len(stored.Messages) == 3
	}, time.Second, time.Millisecond)

	stored := f.store.stored("s1")
	assert.EqualValues(t, 1_000, stored.CreatedAtMs, "overwrites must keep the original creation time")
	assert.Greater(t, stored.UpdatedAtMs, int64(2_000))
}

func TestLoadSession_NotFoundResetsToEmpty(t *testing.T) {
	f := newManagerFixture(t, time.Minute)

	err := f.manager.LoadSession(context.Background(), "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)

	state := f.manager.State()
	assert.Empty(t, state.SessionID)
	require.NotNil(t, state.Error)
	assert.Contains(t, *state.Error, "not found")
}

func TestLoadSession_SameIDIsNoop(t *testing.T) {
	f := newManagerFixture(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, f.store.Put(ctx, &models.ChatSession{
		SessionID:   "s1",
		Messages:    []models.Message{{Role: models.RoleUser, Content: "hi"}},
		CreatedAtMs: 1,
		UpdatedAtMs: 1,
	}))
	require.NoError(t, f.manager.LoadSession(ctx, "s1"))

	before := f.store.getCount()
	require.NoError(t, f.manager.LoadSession(ctx, "s1"))
	assert.Equal(t, before, f.store.getCount(), "reloading the current session must not touch storage")
}

func TestNavigate_WalksRecencyOrderWithEndNoops(t *testing.T) {
	f := newManagerFixture(t, time.Minute)
	ctx := context.Background()

	for _, s := range []struct {
		id string
		at int64
	}{{"oldest", 1_000}, {"middle", 2_000}, {"newest", 3_000}} {
		require.NoError(t, f.store.Put(ctx, &models.ChatSession{
			SessionID:   s.id,
			Messages:    []models.Message{{Role: models.RoleUser, Content: s.id}},
			CreatedAtMs: s.at,
			UpdatedAtMs: s.at,
		}))
	}

	// From Empty, prev enters the most recent session.
	require.NoError(t, f.manager.Navigate(ctx, DirectionPrev))
	assert.Equal(t, "newest", f.manager.State().SessionID)

	require.NoError(t, f.manager.Navigate(ctx, DirectionPrev))
	assert.Equal(t, "middle", f.manager.State().SessionID)

	require.NoError(t, f.manager.Navigate(ctx, DirectionPrev))
	assert.Equal(t, "oldest", f.manager.State().SessionID)

	// Past the oldest end: no-op.
	require.NoError(t, f.manager.Navigate(ctx, DirectionPrev))
	assert.Equal(t, "oldest", f.manager.State().SessionID)

	require.NoError(t, f.manager.Navigate(ctx, DirectionNext))
	assert.Equal(t, "middle", f.manager.State().SessionID)

	require.NoError(t, f.manager.Navigate(ctx, DirectionNext))
	assert.Equal(t, "newest", f.manager.State().SessionID)

	// Past the newest end: no-op.
	require.NoError(t, f.manager.Navigate(ctx, DirectionNext))
	assert.Equal(t, "newest", f.manager.State().SessionID)
}

func TestRegenerate_TruncatesAndRestreams(t *testing.T) {
	f := newManagerFixture(t, time.Minute)
	ctx := context.Background()

	f.provider.pushClosed(providers.StreamChunk{Delta: "first answer"})
	require.NoError(t, f.manager.Submit(ctx, "question", nil))
	require.Len(t, f.manager.State().Messages, 2)

	f.provider.pushClosed(providers.StreamChunk{Delta: "second answer"})
	require.NoError(t, f.manager.Regenerate(ctx, 1))

	state := f.manager.State()
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "question", state.Messages[0].Content)
	assert.Equal(t, "second answer", state.Messages[1].Content)
}

func TestRegenerate_RejectsOutOfRangeIndex(t *testing.T) {
	f := newManagerFixture(t, time.Minute)
	ctx := context.Background()

	assert.ErrorIs(t, f.manager.Regenerate(ctx, -1), ErrInvalidIndex)
	assert.ErrorIs(t, f.manager.Regenerate(ctx, 1), ErrInvalidIndex)
}

func TestRegenerate_RejectsTruncationWithoutUserTail(t *testing.T) {
	f := newManagerFixture(t, time.Minute)
	ctx := context.Background()

	f.provider.pushClosed(providers.StreamChunk{Delta: "answer"})
	require.NoError(t, f.manager.Submit(ctx, "question", nil))
	require.Len(t, f.manager.State().Messages, 2)

	// Index 0 would wipe the whole conversation; index 2 would leave the
	// assistant turn last. Both must fail without touching the history.
	assert.ErrorIs(t, f.manager.Regenerate(ctx, 0), ErrInvalidIndex)
	assert.ErrorIs(t, f.manager.Regenerate(ctx, 2), ErrInvalidIndex)

	state := f.manager.State()
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "question", state.Messages[0].Content)
	assert.Equal(t, "answer", state.Messages[1].Content)
}

func TestLoadSession_StrandsInFlightStream(t *testing.T) {
	f := newManagerFixture(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, f.store.Put(ctx, &models.ChatSession{
		SessionID:   "other",
		Messages:    []models.Message{{Role: models.RoleUser, Content: "stored turn"}},
		CreatedAtMs: 1,
		UpdatedAtMs: 1,
	}))

	stream := f.provider.pushOpen()
	done := make(chan error, 1)
	go func() {
		done <- f.manager.Submit(ctx, "live question", nil)
	}()

	stream <- providers.StreamChunk{Delta: "live partial"}
	require.Eventually(t, func() bool {
		msgs := f.manager.State().Messages
		return len(msgs) == 2 && msgs[1].Content == "live partial"
	}, time.Second, time.Millisecond)

	require.NoError(t, f.manager.LoadSession(ctx, "other"))
	require.NoError(t, <-done)

	state := f.manager.State()
	assert.Equal(t, "other", state.SessionID)
	assert.False(t, state.Busy)
	require.Len(t, state.Messages, 1, "the abandoned stream must not leak into the loaded session")
	assert.Equal(t, "stored turn", state.Messages[0].Content)
	assert.Nil(t, state.Error)
}

func TestDeleteSession_CurrentSessionResetsToEmpty(t *testing.T) {
	f := newManagerFixture(t, 20*time.Millisecond)
	ctx := context.Background()

	f.provider.pushClosed(providers.StreamChunk{Delta: "answer"})
	require.NoError(t, f.manager.Submit(ctx, "hello", nil))
	id := f.manager.State().SessionID

	require.Eventually(t, func() bool {
		return f.store.stored(id) != nil
	}, time.Second, time.Millisecond)

	require.NoError(t, f.manager.DeleteSession(ctx, id))

	assert.Nil(t, f.store.stored(id))
	state := f.manager.State()
	assert.Empty(t, state.SessionID)
	assert.Empty(t, state.Messages)

	ids, err := f.manager.ListSessionIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

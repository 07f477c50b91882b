package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tomatic/tomatic-backend/internal/catalog"
	"github.com/tomatic/tomatic-backend/internal/models"
	"github.com/tomatic/tomatic-backend/internal/repository"
	"github.com/tomatic/tomatic-backend/internal/tokenizer"
)

var (
	// ErrEmptyInput rejects a submit with no text before any I/O.
	ErrEmptyInput = errors.New("input is empty")
	// ErrNoAPIKey rejects a submit when no credential is configured.
	ErrNoAPIKey = errors.New("no API key configured")
	// ErrBusy rejects a second stream while one is in flight.
	ErrBusy = errors.New("a response is already streaming")
	// ErrInvalidIndex rejects a regenerate index that is out of range or
	// would leave no trailing user turn to stream from.
	ErrInvalidIndex = errors.New("regenerate index out of range")
)

// Direction selects which way session navigation moves.
type Direction string

const (
	// DirectionPrev moves toward older sessions.
	DirectionPrev Direction = "prev"
	// DirectionNext moves toward newer sessions.
	DirectionNext Direction = "next"
)

// PromptCatalog resolves system prompts by name. A nil result means no
// prompt; dangling names degrade silently.
type PromptCatalog interface {
	PromptByName(name string) *models.SystemPrompt
}

// State is an observable snapshot of the current session.
type State struct {
	SessionID     string           `json:"session_id"`
	Messages      []models.Message `json:"messages"`
	PromptName    *string          `json:"prompt_name,omitempty"`
	ModelName     string           `json:"model_name"`
	Busy          bool             `json:"busy"`
	Error         *string          `json:"error,omitempty"`
	ContextTokens int              `json:"context_tokens"`
}

// SessionManager mediates between one logical current session and the
// SessionStore, and runs streamed requests through the StreamCoordinator.
// It is the single owner of in-memory chat state; all public methods are
// safe for concurrent use but callers are expected to behave like one user.
type SessionManager struct {
	store       repository.SessionStore
	coordinator *StreamCoordinator
	catalog     *catalog.Catalog
	prompts     PromptCatalog
	estimator   *tokenizer.Estimator
	logger      *logrus.Logger

	now         func() time.Time
	debounce    time.Duration
	temperature float32
	hasAPIKey   bool

	mu          sync.Mutex
	sessionID   string // "" = Empty state
	messages    []models.Message
	promptName  *string
	sessionName *string
	modelName   string
	createdAtMs int64
	errSlot     *string
	busy        bool
	cancelCh    chan struct{}
	generation  uint64
	saveTimer   *time.Timer
	subscribers map[chan State]struct{}
}

// ManagerOptions bundles construction parameters for SessionManager.
type ManagerOptions struct {
	Store        repository.SessionStore
	Coordinator  *StreamCoordinator
	Catalog      *catalog.Catalog
	Prompts      PromptCatalog
	Estimator    *tokenizer.Estimator
	Logger       *logrus.Logger
	DefaultModel string
	Temperature  float32
	Debounce     time.Duration
	HasAPIKey    bool
}

// NewSessionManager creates a manager in the Empty state.
func NewSessionManager(opts ManagerOptions) *SessionManager {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	return &SessionManager{
		store:       opts.Store,
		coordinator: opts.Coordinator,
		catalog:     opts.Catalog,
		prompts:     opts.Prompts,
		estimator:   opts.Estimator,
		logger:      opts.Logger,
		now:         time.Now,
		debounce:    opts.Debounce,
		temperature: opts.Temperature,
		hasAPIKey:   opts.HasAPIKey,
		modelName:   opts.DefaultModel,
		subscribers: make(map[chan State]struct{}),
	}
}

// State returns a snapshot of the observable session state.
func (m *SessionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *SessionManager) stateLocked() State {
	msgs := make([]models.Message, len(m.messages))
	copy(msgs, m.messages)

	tokens := 0
	if m.estimator != nil {
		tokens = m.estimator.Estimate(m.messages)
	}

	return State{
		SessionID:     m.sessionID,
		Messages:      msgs,
		PromptName:    m.promptName,
		ModelName:     m.modelName,
		Busy:          m.busy,
		Error:         m.errSlot,
		ContextTokens: tokens,
	}
}

// Subscribe registers a channel that receives a state snapshot on every
// change. Slow subscribers drop intermediate snapshots.
func (m *SessionManager) Subscribe() chan State {
	ch := make(chan State, 8)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel.
func (m *SessionManager) Unsubscribe(ch chan State) {
	m.mu.Lock()
	delete(m.subscribers, ch)
	m.mu.Unlock()
}

func (m *SessionManager) notifyLocked() {
	snapshot := m.stateLocked()
	for ch := range m.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// SetModel selects the model used for subsequent submissions.
func (m *SessionManager) SetModel(name string) {
	m.mu.Lock()
	if name != "" {
		m.modelName = name
	}
	m.notifyLocked()
	m.mu.Unlock()
}

// SetPrompt selects the system prompt (by name) for subsequent turns. Nil
// clears the selection.
func (m *SessionManager) SetPrompt(name *string) {
	m.mu.Lock()
	m.promptName = name
	m.notifyLocked()
	m.mu.Unlock()
}

// Submit appends the user's text as a new turn and streams the assistant
// response to completion, cancellation, or failure. Empty input and a missing
// credential are rejected before any I/O. Blocks until the stream ends.
func (m *SessionManager) Submit(ctx context.Context, text string, promptOverride *string) error {
	if text == "" {
		m.setError(ErrEmptyInput.Error())
		return ErrEmptyInput
	}

	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	if !m.hasAPIKey {
		m.errSlot = stringPtr("No API key provided. Set TOMATIC_API_KEY or add one to the config.")
		m.notifyLocked()
		m.mu.Unlock()
		return ErrNoAPIKey
	}

	m.errSlot = nil

	// Empty -> Active: mint an id lazily, exactly once per logical session.
	if m.sessionID == "" {
		m.sessionID = uuid.New().String()
		m.createdAtMs = m.now().UnixMilli()
		m.logger.WithField("session_id", m.sessionID).Debug("new session activated")
	}

	promptName := m.promptName
	if promptOverride != nil {
		promptName = promptOverride
		m.promptName = promptOverride
	}

	// The system prompt joins the history only on the first turn. A dangling
	// prompt name resolves to nothing.
	if len(m.messages) == 0 && promptName != nil && m.prompts != nil {
		if prompt := m.prompts.PromptByName(*promptName); prompt != nil {
			m.messages = append(m.messages, models.Message{
				Role:       models.RoleSystem,
				Content:    prompt.Prompt,
				PromptName: stringPtr(prompt.Name),
			})
		}
	}

	m.messages = append(m.messages, models.Message{
		Role:    models.RoleUser,
		Content: text,
	})
	m.scheduleSaveLocked()

	m.busy = true
	m.cancelCh = make(chan struct{})
	cancel := m.cancelCh
	history := make([]models.Message, len(m.messages))
	copy(history, m.messages)
	model := m.catalog.Lookup(m.modelName)
	sink := &managerSink{m: m, generation: m.generation}
	m.notifyLocked()
	m.mu.Unlock()

	return m.runStream(ctx, history, model, promptName, cancel, sink)
}

// Regenerate discards messages from fromIndex onward and re-streams the
// assistant response for the remaining history.
func (m *SessionManager) Regenerate(ctx context.Context, fromIndex int) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	if fromIndex < 0 || fromIndex > len(m.messages) {
		m.mu.Unlock()
		return ErrInvalidIndex
	}
	// Reject before mutating: truncation must leave a user turn to stream
	// from, or the in-memory history would diverge from the stored record.
	if fromIndex == 0 || m.messages[fromIndex-1].Role != models.RoleUser {
		m.mu.Unlock()
		return ErrInvalidIndex
	}
	if !m.hasAPIKey {
		m.errSlot = stringPtr("No API key provided. Set TOMATIC_API_KEY or add one to the config.")
		m.notifyLocked()
		m.mu.Unlock()
		return ErrNoAPIKey
	}

	m.errSlot = nil
	m.messages = m.messages[:fromIndex]
	m.scheduleSaveLocked()

	m.busy = true
	m.cancelCh = make(chan struct{})
	cancel := m.cancelCh
	history := make([]models.Message, len(m.messages))
	copy(history, m.messages)
	model := m.catalog.Lookup(m.modelName)
	promptName := m.promptName
	sink := &managerSink{m: m, generation: m.generation}
	m.notifyLocked()
	m.mu.Unlock()

	return m.runStream(ctx, history, model, promptName, cancel, sink)
}

func (m *SessionManager) runStream(
	ctx context.Context,
	history []models.Message,
	model models.ModelInfo,
	promptName *string,
	cancel <-chan struct{},
	sink *managerSink,
) error {
	var temperature *float32
	if m.temperature != 0 {
		t := m.temperature
		temperature = &t
	}

	outcome, err := m.coordinator.Run(ctx, history, model, temperature, promptName, cancel, sink)

	m.mu.Lock()
	// A session switched mid-stream owns busy/error now; don't touch them.
	if sink.generation == m.generation {
		m.busy = false
		m.cancelCh = nil
		if outcome == OutcomeFailed && err != nil {
			m.errSlot = stringPtr(err.Error())
		}
		m.scheduleSaveLocked()
		m.notifyLocked()
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"outcome": outcome.String(),
		"model":   model.ID,
	}).Debug("stream finished")

	if outcome == OutcomeFailed {
		return err
	}
	return nil
}

// Cancel signals the in-flight stream, if any. A signal after the stream has
// completed or errored is a no-op.
func (m *SessionManager) Cancel() {
	m.mu.Lock()
	if m.cancelCh != nil {
		close(m.cancelCh)
		m.cancelCh = nil
	}
	m.mu.Unlock()
}

// NewSession flushes any pending write and resets to the Empty state.
func (m *SessionManager) NewSession(ctx context.Context) {
	m.mu.Lock()
	m.flushSaveLocked(ctx)
	m.resetLocked()
	m.notifyLocked()
	m.mu.Unlock()
}

// teardownStreamLocked detaches any in-flight stream: the cancel signal
// stops it, and the generation bump (done by callers) strands its sink.
func (m *SessionManager) teardownStreamLocked() {
	if m.cancelCh != nil {
		close(m.cancelCh)
		m.cancelCh = nil
	}
	m.busy = false
}

func (m *SessionManager) resetLocked() {
	m.teardownStreamLocked()
	m.sessionID = ""
	m.messages = nil
	m.sessionName = nil
	m.createdAtMs = 0
	m.errSlot = nil
	m.generation++
}

// LoadSession replaces the in-memory state with the stored session. Loading
// the current id is a no-op. An absent id transitions to Empty and reports
// repository.ErrNotFound.
func (m *SessionManager) LoadSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" && id == m.sessionID {
		return nil
	}

	m.flushSaveLocked(ctx)

	session, err := m.store.Get(ctx, id)
	if err != nil {
		m.errSlot = stringPtr(err.Error())
		m.notifyLocked()
		return err
	}
	if session == nil {
		m.resetLocked()
		m.errSlot = stringPtr("session not found")
		m.notifyLocked()
		return repository.ErrNotFound
	}

	// Bumping the generation strands any in-flight stream for the old
	// session: its sink mutations no longer apply.
	m.generation++
	m.teardownStreamLocked()
	m.sessionID = session.SessionID
	m.messages = append([]models.Message(nil), session.Messages...)
	m.promptName = session.PromptName
	m.sessionName = session.Name
	m.createdAtMs = session.CreatedAtMs
	m.errSlot = nil
	m.notifyLocked()

	m.logger.WithFields(logrus.Fields{
		"session_id": session.SessionID,
		"messages":   len(session.Messages),
	}).Debug("session loaded")
	return nil
}

// Navigate moves through the recency-ordered session index. Prev moves
// toward older sessions, next toward newer; navigating past either end is a
// no-op. From the Empty state, prev enters the most recent session.
func (m *SessionManager) Navigate(ctx context.Context, dir Direction) error {
	m.mu.Lock()
	current := m.sessionID
	m.mu.Unlock()

	ids, err := m.store.ListIDsByRecency(ctx)
	if err != nil {
		m.setError(err.Error())
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	pos := -1
	for i, id := range ids {
		if id == current {
			pos = i
			break
		}
	}

	var target string
	switch dir {
	case DirectionPrev:
		if pos == -1 {
			// Empty (or not-yet-persisted) session: oldest direction starts
			// at the newest stored session.
			target = ids[0]
		} else if pos+1 < len(ids) {
			target = ids[pos+1]
		}
	case DirectionNext:
		if pos > 0 {
			target = ids[pos-1]
		}
	}

	if target == "" || target == current {
		return nil
	}
	return m.LoadSession(ctx, target)
}

// DeleteSession removes a stored session. Deleting the current session also
// resets to Empty.
func (m *SessionManager) DeleteSession(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		m.setError(err.Error())
		return err
	}

	m.mu.Lock()
	if id == m.sessionID && id != "" {
		m.stopSaveTimerLocked()
		m.resetLocked()
		m.notifyLocked()
	}
	m.mu.Unlock()
	return nil
}

// ListSessionIDs exposes the recency index for the UI surface.
func (m *SessionManager) ListSessionIDs(ctx context.Context) ([]string, error) {
	return m.store.ListIDsByRecency(ctx)
}

// GetSession reads a stored session without loading it.
func (m *SessionManager) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	return m.store.Get(ctx, id)
}

func (m *SessionManager) setError(msg string) {
	m.mu.Lock()
	m.errSlot = stringPtr(msg)
	m.notifyLocked()
	m.mu.Unlock()
}

// scheduleSaveLocked (re)arms the debounce timer. Multiple mutations inside
// the window coalesce into a single write of the latest snapshot.
func (m *SessionManager) scheduleSaveLocked() {
	if m.sessionID == "" || len(m.messages) == 0 {
		return
	}
	if m.saveTimer != nil {
		m.saveTimer.Stop()
	}
	generation := m.generation
	m.saveTimer = time.AfterFunc(m.debounce, func() {
		m.persist(context.Background(), generation)
	})
}

func (m *SessionManager) stopSaveTimerLocked() {
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
}

// flushSaveLocked performs any pending debounced write immediately, so a
// session switch never loses the latest state. The write happens even when
// the timer already fired: its callback is blocked on the mutex and will see
// a bumped generation once the caller switches sessions, so skipping here
// could lose the final state. Put is an idempotent full-record overwrite, so
// a duplicate write is harmless.
func (m *SessionManager) flushSaveLocked(ctx context.Context) {
	if m.saveTimer == nil {
		return
	}
	m.saveTimer.Stop()
	m.saveTimer = nil
	m.persistLocked(ctx)
}

// persist writes the current snapshot unless the session changed since the
// write was scheduled.
func (m *SessionManager) persist(ctx context.Context, generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if generation != m.generation {
		return
	}
	m.persistLocked(ctx)
}

func (m *SessionManager) persistLocked(ctx context.Context) {
	if m.sessionID == "" || len(m.messages) == 0 {
		return
	}

	session := &models.ChatSession{
		SessionID:   m.sessionID,
		Messages:    append([]models.Message(nil), m.messages...),
		Name:        m.sessionName,
		PromptName:  m.promptName,
		CreatedAtMs: m.createdAtMs,
		UpdatedAtMs: m.now().UnixMilli(),
	}

	// created_at survives overwrites: the stored record wins over the
	// in-memory birth time.
	if existing, err := m.store.Get(ctx, session.SessionID); err == nil && existing != nil {
		session.CreatedAtMs = existing.CreatedAtMs
	}
	if session.CreatedAtMs == 0 || session.CreatedAtMs > session.UpdatedAtMs {
		session.CreatedAtMs = session.UpdatedAtMs
	}

	if err := m.store.Put(ctx, session); err != nil {
		// Safe to drop: the write is a full-record overwrite and the next
		// debounce cycle retries it.
		m.logger.WithError(err).WithField("session_id", session.SessionID).
			Warn("session persist failed")
		return
	}

	m.logger.WithFields(logrus.Fields{
		"session_id": session.SessionID,
		"messages":   len(session.Messages),
	}).Debug("session persisted")
}

// managerSink applies coordinator mutations to the manager's message list.
// The generation captured at stream start guards a session switched out from
// under an in-flight stream.
type managerSink struct {
	m          *SessionManager
	generation uint64
}

func (s *managerSink) apply(fn func(m *SessionManager)) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.generation != s.m.generation {
		return
	}
	fn(s.m)
	s.m.scheduleSaveLocked()
	s.m.notifyLocked()
}

func (s *managerSink) AppendAssistant(promptName *string, modelName string) {
	s.apply(func(m *SessionManager) {
		m.messages = append(m.messages, models.Message{
			Role:       models.RoleAssistant,
			PromptName: promptName,
			ModelName:  stringPtr(modelName),
		})
	})
}

func (s *managerSink) SetAssistantContent(content string) {
	s.apply(func(m *SessionManager) {
		if last := lastAssistant(m.messages); last != nil {
			last.Content = content
		}
	})
}

func (s *managerSink) SetAssistantCost(cost models.MessageCost) {
	s.apply(func(m *SessionManager) {
		if last := lastAssistant(m.messages); last != nil {
			c := cost
			last.Cost = &c
		}
	})
}

func (s *managerSink) RemoveAssistant() {
	s.apply(func(m *SessionManager) {
		if n := len(m.messages); n > 0 && m.messages[n-1].Role == models.RoleAssistant {
			m.messages = m.messages[:n-1]
		}
	})
}

func lastAssistant(messages []models.Message) *models.Message {
	if n := len(messages); n > 0 && messages[n-1].Role == models.RoleAssistant {
		return &messages[n-1]
	}
	return nil
}

func stringPtr(s string) *string {
	return &s
}

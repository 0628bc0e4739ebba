package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/vdavid/vmail/composer/internal/compose"
	"github.com/vdavid/vmail/composer/internal/coordinator"
	"github.com/vdavid/vmail/composer/internal/models"
	ws "github.com/vdavid/vmail/composer/internal/websocket"
)

// Pusher delivers typed messages to a user's open connections.
type Pusher interface {
	Push(userID, msgType string, data any)
}

// DraftSource lists the drafts a user saved earlier.
type DraftSource interface {
	Drafts(ctx context.Context, userID string) ([]models.Mail, error)
}

// Session is the compose store of one user with its coordinator.
type Session struct {
	UserID      string
	Store       *compose.Store
	coordinator *coordinator.Coordinator
	unsubscribe func()

	// States are pushed by a goroutine of their own so a slow connection
	// never holds up the store. Only the latest state is kept.
	mu     sync.Mutex
	latest *compose.State
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

func (s *Session) queueState(state compose.State) {
	s.mu.Lock()
	s.latest = &state
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) runPusher(push func(state compose.State)) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
			s.mu.Lock()
			state := s.latest
			s.latest = nil
			s.mu.Unlock()
			if state != nil {
				push(*state)
			}
		}
	}
}

func (s *Session) close() {
	s.unsubscribe()
	s.coordinator.Stop()
	close(s.stop)
	<-s.done
}

// Manager creates one Session per user on first use and keeps it until Close.
// It is the Notifier of every coordinator it starts.
type Manager struct {
	ctx      context.Context
	deps     coordinator.Deps
	drafts   DraftSource
	pusher   Pusher
	autosave time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	// creating holds users whose session is being restored; the channel is
	// closed once it is in sessions.
	creating map[string]chan struct{}
}

// NewManager creates a session manager. deps.Notifier is replaced by the
// manager. drafts may be nil, in which case sessions start empty.
func NewManager(ctx context.Context, deps coordinator.Deps, drafts DraftSource, pusher Pusher, autosave time.Duration) *Manager {
	m := &Manager{
		ctx:      ctx,
		drafts:   drafts,
		pusher:   pusher,
		autosave: autosave,
		sessions: make(map[string]*Session),
		creating: make(map[string]chan struct{}),
	}
	deps.Notifier = m
	m.deps = deps
	return m
}

// Get returns the session of userID, creating it if needed. Restoring a
// session does not block other users.
func (m *Manager) Get(ctx context.Context, userID string) *Session {
	for {
		m.mu.Lock()
		if s, ok := m.sessions[userID]; ok {
			m.mu.Unlock()
			return s
		}
		if wait, ok := m.creating[userID]; ok {
			m.mu.Unlock()
			<-wait
			continue
		}
		created := make(chan struct{})
		m.creating[userID] = created
		m.mu.Unlock()

		s := m.newSession(ctx, userID)

		m.mu.Lock()
		m.sessions[userID] = s
		delete(m.creating, userID)
		m.mu.Unlock()
		close(created)

		log.Printf("Session: Created for user %s", userID)
		return s
	}
}

func (m *Manager) newSession(ctx context.Context, userID string) *Session {
	store := compose.NewStore()
	s := &Session{
		UserID: userID,
		Store:  store,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.restore(ctx, s)

	go s.runPusher(func(state compose.State) {
		m.push(userID, ws.TypeComposeState, state)
	})
	s.unsubscribe = store.Subscribe(func(_ compose.Event, state compose.State) {
		s.queueState(state)
	})
	s.coordinator = coordinator.New(userID, store, m.deps, m.autosave)
	s.coordinator.Start(m.ctx)
	return s
}

// restore loads the user's saved drafts into a fresh store.
func (m *Manager) restore(ctx context.Context, s *Session) {
	if m.drafts == nil {
		return
	}
	drafts, err := m.drafts.Drafts(ctx, s.UserID)
	if err != nil {
		log.Printf("Session: Failed to restore drafts for user %s: %v", s.UserID, err)
		return
	}
	for _, mail := range drafts {
		attachments := make([]models.Attachment, 0, len(mail.Attachments))
		for _, a := range mail.Attachments {
			a.DraftID = mail.ID
			a.Progress = 100
			attachments = append(attachments, a)
		}
		mail.Attachments = attachments
		s.Store.Dispatch(compose.NewDraft{Draft: compose.Draft{
			ID:          mail.ID,
			Mail:        mail,
			Attachments: attachments,
		}})
	}
}

// Dispatch applies event to the session of userID.
func (m *Manager) Dispatch(ctx context.Context, userID string, event compose.Event) {
	m.Get(ctx, userID).Store.Dispatch(event)
}

// Snapshot returns the current compose state of userID.
func (m *Manager) Snapshot(ctx context.Context, userID string) compose.State {
	return m.Get(ctx, userID).Store.Snapshot()
}

// Notify pushes a notification to the user's open tabs.
func (m *Manager) Notify(userID string, notification models.Notification) {
	m.push(userID, ws.TypeNotification, notification)
}

func (m *Manager) push(userID, msgType string, data any) {
	if m.pusher != nil {
		m.pusher.Push(userID, msgType, data)
	}
}

// Close stops every session and waits for their outstanding calls.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

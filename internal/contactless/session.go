package contactless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ActionStateChange is the audit action recorded for each transition.
const ActionStateChange = "contactless_state_change"

var transitions = map[domain.SessionState][]domain.SessionState{
	domain.StateIdle:        {domain.StateDetecting, domain.StateFailed, domain.StateCancelled},
	domain.StateDetecting:   {domain.StateCardPresent, domain.StateTimedOut, domain.StateCancelled, domain.StateFailed},
	domain.StateCardPresent: {domain.StateAuthorizing, domain.StateFailed, domain.StateCancelled},
	domain.StateAuthorizing: {domain.StateSettling, domain.StateFailed},
	domain.StateSettling:    {domain.StateComplete, domain.StateFailed},
}

// Transition is one recorded state change.
type Transition struct {
	From domain.SessionState `json:"from"`
	To   domain.SessionState `json:"to"`
	At   time.Time           `json:"at"`
}

// Session is a single contactless read. Sessions share no state with each
// other; a session is not reusable once it reaches a terminal state.
type Session struct {
	id        string
	requestID string
	terminal  *Terminal

	mu      sync.Mutex
	state   domain.SessionState
	history []Transition
	payload *domain.CardPayload

	teardownOnce sync.Once
}

// NewSession creates an IDLE session on the terminal.
func (t *Terminal) NewSession(requestID string) *Session {
	return &Session{
		id:        uuid.NewString(),
		requestID: requestID,
		terminal:  t,
		state:     domain.StateIdle,
	}
}

// ID returns the session id. It is empty after teardown.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns the transitions so far.
func (s *Session) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.history...)
}

// Visited reports whether the session ever entered state.
func (s *Session) Visited(state domain.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == domain.StateIdle {
		return true
	}
	for _, tr := range s.history {
		if tr.To == state {
			return true
		}
	}
	return false
}

func (s *Session) transition(ctx context.Context, to domain.SessionState) error {
	s.mu.Lock()
	from := s.state
	allowed := false
	for _, next := range transitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		s.mu.Unlock()
		return fmt.Errorf("invalid session transition %s -> %s", from, to)
	}
	s.state = to
	s.history = append(s.history, Transition{From: from, To: to, At: s.terminal.now().UTC()})
	id := s.id
	s.mu.Unlock()

	s.terminal.auditor.LogPaymentActivity(ctx, audit.Event{
		Action:    ActionStateChange,
		Success:   to != domain.StateFailed,
		RequestID: s.requestID,
		Metadata: map[string]any{
			"session_id": id,
			"from":       string(from),
			"to":         string(to),
		},
	})
	return nil
}

// fail moves a non-terminal session to FAILED.
func (s *Session) fail(ctx context.Context) {
	if !s.State().Terminal() {
		_ = s.transition(ctx, domain.StateFailed)
	}
}

// ReadPaymentCard moves IDLE to DETECTING and races card detection against
// timeout. A detected payload is validated before the session reaches
// CARD_PRESENT. On timeout the session ends TIMED_OUT and is torn down; if
// ctx is done first it ends CANCELLED.
func (s *Session) ReadPaymentCard(ctx context.Context, timeout time.Duration) (*domain.CardPayload, error) {
	if timeout <= 0 {
		return nil, domain.NewValidationError("timeout", "read timeout must be positive")
	}
	if s.terminal.reader == nil {
		return nil, domain.NewDeviceError("no NFC reader configured", nil)
	}
	if err := s.transition(ctx, domain.StateDetecting); err != nil {
		return nil, domain.NewDeviceError("session is not idle", err)
	}

	type detection struct {
		payload *domain.CardPayload
		err     error
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	detected := make(chan detection, 1)
	go func() {
		p, err := s.terminal.reader.DetectCard(readCtx)
		detected <- detection{p, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-detected:
		if d.err != nil {
			if ctx.Err() != nil {
				return nil, s.cancelled(ctx)
			}
			s.fail(ctx)
			return nil, domain.NewDeviceError("card read failed", d.err)
		}
		return s.accept(ctx, d.payload)

	case <-timer.C:
		_ = s.transition(ctx, domain.StateTimedOut)
		s.teardown(context.WithoutCancel(ctx))
		return nil, domain.NewDeviceError("card read timed out", context.DeadlineExceeded)

	case <-ctx.Done():
		return nil, s.cancelled(ctx)
	}
}

func (s *Session) cancelled(ctx context.Context) error {
	_ = s.transition(ctx, domain.StateCancelled)
	s.teardown(context.WithoutCancel(ctx))
	return domain.NewDeviceError("card read cancelled", ctx.Err())
}

func (s *Session) accept(ctx context.Context, payload *domain.CardPayload) (*domain.CardPayload, error) {
	if err := s.terminal.validate(payload); err != nil {
		s.fail(ctx)
		return nil, err
	}
	if payload.AID != "" && !s.terminal.supportsAID(payload.AID) {
		s.fail(ctx)
		return nil, domain.NewDeviceError("card application not supported", nil)
	}

	s.mu.Lock()
	s.payload = payload
	s.mu.Unlock()

	if err := s.transition(ctx, domain.StateCardPresent); err != nil {
		return nil, domain.NewDeviceError("session state changed during read", err)
	}
	return payload, nil
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.teardown(ctx)
}

// teardown clears card data and the session id, and resets the reader if
// the session engaged it. It runs at most once.
func (s *Session) teardown(ctx context.Context) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		touched := s.engagedReader()
		if s.payload != nil {
			s.payload.PAN = ""
			s.payload = nil
		}
		id := s.id
		s.id = ""
		s.mu.Unlock()

		if touched && s.terminal.reader != nil {
			if err := s.terminal.reader.Reset(ctx); err != nil {
				s.terminal.logger.Warn("reader reset failed", "session_id", id, "error", err)
			}
		}
	})
}

// engagedReader reports whether the reader was engaged. Caller holds mu.
func (s *Session) engagedReader() bool {
	for _, tr := range s.history {
		if tr.To == domain.StateDetecting {
			return true
		}
	}
	return false
}

var errNoPayload = errors.New("no card payload")

// Package session owns the per-connection state machine and the cross-session
// registries: nickname uniqueness and per-IP connection accounting.
package session

import (
	"net"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/model"
	"github.com/nexusbb/nexusd/internal/perm"
	"github.com/nexusbb/nexusd/internal/wire"
)

// State is the connection lifecycle position. Transitions are strictly
// linear; there are no backward edges.
type State int

const (
	// StateConnected is entered on raw transport accept, after a gate Allow.
	StateConnected State = iota
	// StateHandshakeComplete is entered after the single handshake message.
	StateHandshakeComplete
	// StateAuthenticated is entered after a successful login.
	StateAuthenticated
)

// outboxSize bounds per-session queued events before the connection is
// considered stuck and dropped.
const outboxSize = 128

// Session is one connected transport. Mutable fields are guarded by mu;
// the writer goroutine drains Outbox.
type Session struct {
	ID uuid.UUID
	IP net.IP

	mu       sync.Mutex
	state    State
	account  *model.Account
	nickname string
	actor    perm.Actor

	outbox    chan wire.Envelope
	closeOnce sync.Once
	closed    chan struct{}

	closeMu     sync.Mutex
	closeReason string
	closedBy    string
}

func newSession(id uuid.UUID, ip net.IP) *Session {
	return &Session{
		ID:     id,
		IP:     ip,
		outbox: make(chan wire.Envelope, outboxSize),
		closed: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Nickname returns the resolved display identity, empty before login.
func (s *Session) Nickname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickname
}

// Username returns the account username, empty before login.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return ""
	}
	return s.account.Username
}

// Actor returns the authorization view: the admin flag and the permission
// snapshot taken at login (or at the last explicit recheck).
func (s *Session) Actor() perm.Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actor
}

// Account returns the login-time account record, nil before login.
func (s *Session) Account() *model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// Send queues an event for the writer goroutine. Returns false if the
// session is closed or its outbox is full; a full outbox closes the session
// rather than block the sender.
func (s *Session) Send(env wire.Envelope) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.outbox <- env:
		return true
	default:
		s.Close("send queue overflow", "")
		return false
	}
}

// Outbox is drained by the connection's writer goroutine.
func (s *Session) Outbox() <-chan wire.Envelope { return s.outbox }

// Closed is signalled when the session is terminated.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Close terminates the session once, recording the attributed reason.
func (s *Session) Close(reason, by string) {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closeReason, s.closedBy = reason, by
		s.closeMu.Unlock()
		close(s.closed)
	})
}

// CloseReason returns the recorded disconnect reason and attribution.
func (s *Session) CloseReason() (reason, by string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeReason, s.closedBy
}

// Handshake consumes the single allowed handshake message. Any second
// attempt is a protocol error; version problems are fatal to the connection.
func (s *Session) Handshake(v wire.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return errs.ErrProtocol
	}
	if err := wire.CheckVersion(v); err != nil {
		return err
	}
	s.state = StateHandshakeComplete
	return nil
}

package session

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/nexusbb/nexusd/internal/crypto"
	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/repository"
	"github.com/nexusbb/nexusd/internal/wire"
)

// nicknameRe bounds nickname charset and length.
var nicknameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{2,24}$`)

// Registry owns all live sessions plus the shared registries that make
// nicknames unique and per-IP connection counts enforceable. Locks are held
// only for check-and-update; never across I/O.
type Registry struct {
	log      *zap.Logger
	accounts repository.AccountRepository
	maxPerIP int

	mu        sync.Mutex
	sessions  map[uuid.UUID]*Session
	nicknames map[string]uuid.UUID // lowercased nickname -> session
	perIP     map[string]int
}

// NewRegistry constructs the registry. maxPerIP <= 0 disables the cap.
func NewRegistry(log *zap.Logger, accounts repository.AccountRepository, maxPerIP int) *Registry {
	return &Registry{
		log:       log,
		accounts:  accounts,
		maxPerIP:  maxPerIP,
		sessions:  make(map[uuid.UUID]*Session),
		nicknames: make(map[string]uuid.UUID),
		perIP:     make(map[string]int),
	}
}

// Connect admits a new raw connection, enforcing the per-IP cap, and returns
// the session in StateConnected.
func (r *Registry) Connect(ip net.IP) (*Session, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	key := ip.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxPerIP > 0 && r.perIP[key] >= r.maxPerIP {
		return nil, fmt.Errorf("%w: connection limit for %s", errs.ErrValidation, key)
	}
	s := newSession(id, ip)
	r.sessions[id] = s
	r.perIP[key]++
	return s, nil
}

// Login drives the HandshakeComplete -> Authenticated transition: credential
// check, enabled check, nickname resolution and reservation, permission
// snapshot, first-login admin promotion. A failed attempt leaves the session
// in HandshakeComplete; the generic ErrUnauthorized never distinguishes
// unknown-user from wrong-password.
func (r *Registry) Login(ctx context.Context, s *Session, username, password, nickname string) error {
	if s.State() != StateHandshakeComplete {
		return errs.ErrProtocol
	}

	acc, err := r.accounts.GetByUsername(ctx, username)
	if err != nil {
		// Burn a hash comparison anyway so unknown-user and wrong-password
		// take comparable time.
		crypto.VerifyPassword([]byte(password), []byte("x"), nil)
		return errs.ErrUnauthorized
	}
	if !crypto.VerifyPassword([]byte(password), acc.SaltAuth, acc.PwdHash) {
		return errs.ErrUnauthorized
	}
	if !acc.Enabled {
		return errs.ErrAccountDisabled
	}

	display := acc.Username
	if acc.Shared || acc.Guest {
		if nickname == "" {
			return fmt.Errorf("%w: nickname required for shared account", errs.ErrValidation)
		}
		if !nicknameRe.MatchString(nickname) {
			return fmt.Errorf("%w: nickname must match %s", errs.ErrValidation, nicknameRe)
		}
		display = nickname
	}

	// Reserve the nickname before the username-collision check so no second
	// login can slip in between check and commit.
	if err := r.reserve(display, s.ID); err != nil {
		return err
	}
	if acc.Shared || acc.Guest {
		exists, err := r.accounts.UsernameExists(ctx, display)
		if err != nil {
			r.release(display, s.ID)
			return err
		}
		if exists {
			r.release(display, s.ID)
			return errs.ErrNicknameTaken
		}
	}

	// First-ever login on an otherwise empty store promotes to admin. The
	// provisioned guest row does not count, and guest or shared identities
	// are never promoted.
	if !acc.Admin && !acc.Guest && !acc.Shared {
		if n, err := r.accounts.CountNonGuest(ctx); err == nil && n == 1 {
			acc.Admin = true
			if err := r.accounts.Update(ctx, acc); err != nil {
				r.log.Warn("first-login admin promotion failed", zap.Error(err))
				acc.Admin = false
			} else {
				r.log.Info("first account promoted to admin", zap.String("username", acc.Username))
			}
		}
	}

	s.mu.Lock()
	s.account = acc
	s.nickname = display
	s.actor.Admin = acc.Admin
	s.actor.Shared = acc.Shared || acc.Guest
	s.actor.Username = acc.Username
	s.actor.Snapshot = acc.Perms.Clone()
	s.state = StateAuthenticated
	s.mu.Unlock()

	r.log.Info("login",
		zap.String("username", acc.Username),
		zap.String("nickname", display),
		zap.String("ip", s.IP.String()),
		zap.Bool("admin", acc.Admin))
	return nil
}

func (r *Registry) reserve(nickname string, id uuid.UUID) error {
	key := strings.ToLower(nickname)
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, taken := r.nicknames[key]; taken && holder != id {
		return errs.ErrNicknameTaken
	}
	r.nicknames[key] = id
	return nil
}

func (r *Registry) release(nickname string, id uuid.UUID) {
	key := strings.ToLower(nickname)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nicknames[key] == id {
		delete(r.nicknames, key)
	}
}

// Recheck re-validates the session's permission snapshot against persisted
// state. A deleted or disabled account terminates the session.
func (r *Registry) Recheck(ctx context.Context, s *Session) error {
	acc := s.Account()
	if acc == nil {
		return errs.ErrProtocol
	}
	fresh, err := r.accounts.GetByUsername(ctx, acc.Username)
	if err != nil || !fresh.Enabled {
		s.Close("account no longer available", "")
		return errs.ErrAccountDisabled
	}
	s.mu.Lock()
	s.account = fresh
	s.actor.Admin = fresh.Admin
	s.actor.Snapshot = fresh.Perms.Clone()
	s.mu.Unlock()
	return nil
}

// Remove tears a session out of every registry. Idempotent; called by the
// connection goroutine after the transport closes.
func (r *Registry) Remove(s *Session) {
	s.Close("disconnected", "")
	key := s.IP.String()
	nick := s.Nickname()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return
	}
	delete(r.sessions, s.ID)
	if nick != "" && r.nicknames[strings.ToLower(nick)] == s.ID {
		delete(r.nicknames, strings.ToLower(nick))
	}
	if r.perIP[key] > 1 {
		r.perIP[key]--
	} else {
		delete(r.perIP, key)
	}
}

// Get returns a live session by id.
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ByNickname returns the authenticated session holding the nickname.
func (r *Registry) ByNickname(nickname string) (*Session, bool) {
	r.mu.Lock()
	id, ok := r.nicknames[strings.ToLower(nickname)]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	s := r.sessions[id]
	r.mu.Unlock()
	return s, s != nil
}

// Kick terminates another session with an attributed reason. The relational
// checks (self, admin target) belong to the caller.
func (r *Registry) Kick(nickname, reason, by string) error {
	s, ok := r.ByNickname(nickname)
	if !ok {
		return errs.ErrNotFound
	}
	if env, err := wire.NewEnvelope(wire.TypeDisconnect, 0, wire.DisconnectMsg{Reason: reason, By: by}); err == nil {
		s.Send(env)
	}
	s.Close(reason, by)
	return nil
}

// All returns a snapshot of live sessions.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// --- gate.Directory implementation ---

// IPsForNickname returns source IPs of active sessions using the nickname.
func (r *Registry) IPsForNickname(nickname string) []net.IP {
	if s, ok := r.ByNickname(nickname); ok {
		return []net.IP{s.IP}
	}
	return nil
}

// NicknameIsAdmin reports whether the nickname belongs to an admin session.
func (r *Registry) NicknameIsAdmin(nickname string) bool {
	s, ok := r.ByNickname(nickname)
	return ok && s.Actor().Admin
}

// AdminIPs returns the source IPs of connected admin sessions.
func (r *Registry) AdminIPs() []net.IP {
	var out []net.IP
	for _, s := range r.All() {
		if s.Actor().Admin {
			out = append(out, s.IP)
		}
	}
	return out
}

// TerminateMatching disconnects every session whose source IP satisfies
// match, with an attributed ban reason.
func (r *Registry) TerminateMatching(match func(net.IP) bool, reason, by string) {
	for _, s := range r.All() {
		if match(s.IP) {
			if env, err := wire.NewEnvelope(wire.TypeDisconnect, 0, wire.DisconnectMsg{Reason: reason, By: by}); err == nil {
				s.Send(env)
			}
			s.Close(reason, by)
		}
	}
}

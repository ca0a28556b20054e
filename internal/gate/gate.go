// Package gate implements the ban/trust security layer consulted on raw
// connection accept, before any handshake work is spent on a peer.
package gate

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/model"
	"github.com/nexusbb/nexusd/internal/repository"
)

// Directory is the gate's view of currently connected sessions. Implemented
// by the session registry; injected to avoid a dependency cycle.
type Directory interface {
	// IPsForNickname returns source IPs of active sessions using the nickname.
	IPsForNickname(nickname string) []net.IP
	// NicknameIsAdmin reports whether the nickname belongs to an admin session.
	NicknameIsAdmin(nickname string) bool
	// AdminIPs returns the source IPs of connected admin sessions.
	AdminIPs() []net.IP
	// TerminateMatching disconnects every session whose source IP satisfies
	// match, with an attributed reason.
	TerminateMatching(match func(net.IP) bool, reason, by string)
}

// Actor identifies who is mutating the tables, for pre-commit checks and
// attribution.
type Actor struct {
	Nickname string
	IP       net.IP
	Admin    bool
}

// Decision is the outcome of an allow/deny evaluation.
type Decision struct {
	Allow     bool
	Reason    string
	Permanent bool
	Remaining time.Duration // meaningful when !Allow && !Permanent
}

// Gate owns in-memory ban/trust tables backed write-through by the
// repositories. Expired entries are skipped at lookup time; Sweep reclaims
// storage.
type Gate struct {
	log    *zap.Logger
	bans   repository.BanRepository
	trusts repository.TrustRepository
	dir    Directory
	now    func() time.Time

	mu        sync.RWMutex
	banList   []model.BanEntry
	trustList []model.TrustEntry
}

// New constructs a Gate. Call Load before serving.
func New(log *zap.Logger, bans repository.BanRepository, trusts repository.TrustRepository, dir Directory) *Gate {
	return &Gate{log: log, bans: bans, trusts: trusts, dir: dir, now: time.Now}
}

// Load populates the in-memory tables from storage.
func (g *Gate) Load(ctx context.Context) error {
	bl, err := g.bans.List(ctx)
	if err != nil {
		return fmt.Errorf("load bans: %w", err)
	}
	tl, err := g.trusts.List(ctx)
	if err != nil {
		return fmt.Errorf("load trusts: %w", err)
	}
	g.mu.Lock()
	g.banList, g.trustList = bl, tl
	g.mu.Unlock()
	return nil
}

// Check decides Allow/Deny for a raw source IP, pre-handshake. Trust wins
// unconditionally; otherwise the first non-expired matching ban denies.
func (g *Gate) Check(ip net.IP) Decision {
	now := g.now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	for i := range g.trustList {
		t := &g.trustList[i]
		if !t.Expired(now) && t.Matches(ip) {
			return Decision{Allow: true}
		}
	}
	for i := range g.banList {
		b := &g.banList[i]
		if !b.Expired(now) && b.Matches(ip) {
			d := Decision{Allow: false, Reason: b.Reason, Permanent: b.Permanent()}
			if !d.Permanent {
				d.Remaining = b.ExpiresAt.Sub(now)
			}
			return d
		}
	}
	return Decision{Allow: true}
}

// CheckNickname re-evaluates after login, when a nickname is known. A trust
// entry created from the same nickname allows even if the IP moved.
func (g *Gate) CheckNickname(nickname string, ip net.IP) Decision {
	now := g.now()
	g.mu.RLock()
	for i := range g.trustList {
		t := &g.trustList[i]
		if !t.Expired(now) && t.Nickname != "" && strings.EqualFold(t.Nickname, nickname) {
			g.mu.RUnlock()
			return Decision{Allow: true}
		}
	}
	g.mu.RUnlock()
	return g.Check(ip)
}

// trusted reports whether a non-expired trust entry covers the IP.
func (g *Gate) trusted(ip net.IP) bool {
	now := g.now()
	g.mu.RLock()
	defer g.mu.RUnlock()
	for i := range g.trustList {
		t := &g.trustList[i]
		if !t.Expired(now) && t.Matches(ip) {
			return true
		}
	}
	return false
}

// ParseDuration parses the compact grammar <n><unit>, unit in {m,h,d}.
// "0" or empty means permanent and returns zero. Invalid strings are
// rejected before any mutation occurs.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	if len(s) < 2 {
		return 0, errs.ErrBadDuration
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, errs.ErrBadDuration
	}
	switch s[len(s)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, errs.ErrBadDuration
	}
}

// resolve expands a target string into entry skeletons: one for an IP/CIDR
// target, one per active-session IP for a nickname target.
type resolved struct {
	ip       net.IP
	ipNet    *net.IPNet
	nickname string
}

func (g *Gate) resolveTarget(target string) ([]resolved, error) {
	ip, ipNet, err := model.ParseTarget(target)
	if err == nil {
		return []resolved{{ip: ip, ipNet: ipNet}}, nil
	}
	// Not an address: treat as a nickname, resolved to the IPs of currently
	// active sessions. A later reconnect from a new IP is not covered.
	if g.dir == nil {
		return nil, errs.ErrBadTarget
	}
	ips := g.dir.IPsForNickname(target)
	if len(ips) == 0 {
		return nil, errs.ErrBadTarget
	}
	out := make([]resolved, 0, len(ips))
	for _, addr := range ips {
		out = append(out, resolved{ip: addr, nickname: target})
	}
	return out, nil
}

// Ban validates, persists, and applies a ban. A successful ban against a
// connected session terminates it with an attributed reason.
func (g *Gate) Ban(ctx context.Context, actor Actor, target, duration, reason string) error {
	dur, err := ParseDuration(duration)
	if err != nil {
		return err
	}
	entries, err := g.resolveTarget(target)
	if err != nil {
		return err
	}

	// Pre-commit rejections: self-ban and admin-ban, by nickname, exact IP,
	// or CIDR containment. A range covering an already-trusted address passes,
	// so allow-list deployments can trust selectively and then ban wide.
	var adminIPs []net.IP
	if g.dir != nil {
		adminIPs = g.dir.AdminIPs()
	}
	for _, e := range entries {
		if e.nickname != "" {
			if strings.EqualFold(e.nickname, actor.Nickname) {
				return fmt.Errorf("%w: cannot ban yourself", errs.ErrSelfTarget)
			}
			if g.dir.NicknameIsAdmin(e.nickname) {
				return fmt.Errorf("%w: cannot ban an administrator", errs.ErrAdminTarget)
			}
		}
		if e.ip != nil {
			if actor.IP != nil && e.ip.Equal(actor.IP) {
				return fmt.Errorf("%w: cannot ban your own address", errs.ErrSelfTarget)
			}
			for _, a := range adminIPs {
				if e.ip.Equal(a) {
					return fmt.Errorf("%w: address belongs to a connected administrator", errs.ErrAdminTarget)
				}
			}
		}
		if e.ipNet != nil {
			if actor.IP != nil && e.ipNet.Contains(actor.IP) && !g.trusted(actor.IP) {
				return fmt.Errorf("%w: range contains your own address", errs.ErrSelfTarget)
			}
			for _, a := range adminIPs {
				if e.ipNet.Contains(a) && !g.trusted(a) {
					return fmt.Errorf("%w: range contains a connected administrator", errs.ErrAdminTarget)
				}
			}
		}
	}

	now := g.now()
	var expires time.Time
	if dur > 0 {
		expires = now.Add(dur)
	}
	for _, e := range entries {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		b := model.BanEntry{
			ID: id, IP: e.ip, Net: e.ipNet, Nickname: e.nickname,
			Reason: reason, CreatedBy: actor.Nickname, CreatedAt: now, ExpiresAt: expires,
		}
		if err := g.bans.Create(ctx, &b); err != nil {
			return err
		}
		g.mu.Lock()
		g.banList = append(g.banList, b)
		g.mu.Unlock()
		g.log.Info("ban created",
			zap.String("target", b.TargetString()),
			zap.String("nickname", b.Nickname),
			zap.String("by", actor.Nickname),
			zap.Bool("permanent", b.Permanent()))
		if g.dir != nil {
			// Trusted sessions survive: trust wins on their next connect too.
			g.dir.TerminateMatching(func(ip net.IP) bool {
				return b.Matches(ip) && !g.trusted(ip)
			}, reason, actor.Nickname)
		}
	}
	return nil
}

// Trust validates and persists a trust entry. No termination side effect.
func (g *Gate) Trust(ctx context.Context, actor Actor, target, duration, reason string) error {
	dur, err := ParseDuration(duration)
	if err != nil {
		return err
	}
	entries, err := g.resolveTarget(target)
	if err != nil {
		return err
	}
	now := g.now()
	var expires time.Time
	if dur > 0 {
		expires = now.Add(dur)
	}
	for _, e := range entries {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		t := model.TrustEntry{
			ID: id, IP: e.ip, Net: e.ipNet, Nickname: e.nickname,
			Reason: reason, CreatedBy: actor.Nickname, CreatedAt: now, ExpiresAt: expires,
		}
		if err := g.trusts.Create(ctx, &t); err != nil {
			return err
		}
		g.mu.Lock()
		g.trustList = append(g.trustList, t)
		g.mu.Unlock()
		g.log.Info("trust created",
			zap.String("target", t.TargetString()),
			zap.String("by", actor.Nickname))
	}
	return nil
}

// Unban removes ban entries by exact target string or by originating nickname.
func (g *Gate) Unban(ctx context.Context, target string) error {
	var removed int64
	if _, _, err := model.ParseTarget(target); err == nil {
		n, err := g.bans.DeleteByTarget(ctx, target)
		if err != nil {
			return err
		}
		removed = n
	} else {
		n, err := g.bans.DeleteByNickname(ctx, target)
		if err != nil {
			return err
		}
		removed = n
	}
	if removed == 0 {
		return errs.ErrNotFound
	}
	g.mu.Lock()
	g.banList = filterBans(g.banList, target)
	g.mu.Unlock()
	return nil
}

// Untrust removes trust entries by exact target string or by originating nickname.
func (g *Gate) Untrust(ctx context.Context, target string) error {
	var removed int64
	if _, _, err := model.ParseTarget(target); err == nil {
		n, err := g.trusts.DeleteByTarget(ctx, target)
		if err != nil {
			return err
		}
		removed = n
	} else {
		n, err := g.trusts.DeleteByNickname(ctx, target)
		if err != nil {
			return err
		}
		removed = n
	}
	if removed == 0 {
		return errs.ErrNotFound
	}
	g.mu.Lock()
	g.trustList = filterTrusts(g.trustList, target)
	g.mu.Unlock()
	return nil
}

func filterBans(in []model.BanEntry, target string) []model.BanEntry {
	out := in[:0]
	for _, b := range in {
		if b.TargetString() == target || (b.Nickname != "" && strings.EqualFold(b.Nickname, target)) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func filterTrusts(in []model.TrustEntry, target string) []model.TrustEntry {
	out := in[:0]
	for _, t := range in {
		if t.TargetString() == target || (t.Nickname != "" && strings.EqualFold(t.Nickname, target)) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Bans returns the non-expired ban entries.
func (g *Gate) Bans() []model.BanEntry {
	now := g.now()
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.BanEntry, 0, len(g.banList))
	for _, b := range g.banList {
		if !b.Expired(now) {
			out = append(out, b)
		}
	}
	return out
}

// Trusted returns the non-expired trust entries.
func (g *Gate) Trusted() []model.TrustEntry {
	now := g.now()
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.TrustEntry, 0, len(g.trustList))
	for _, t := range g.trustList {
		if !t.Expired(now) {
			out = append(out, t)
		}
	}
	return out
}

// Sweep reclaims expired entries from storage and the in-memory tables.
func (g *Gate) Sweep(ctx context.Context) {
	now := g.now()
	if n, err := g.bans.PruneExpired(ctx, now); err != nil {
		g.log.Warn("ban sweep failed", zap.Error(err))
	} else if n > 0 {
		g.log.Info("swept expired bans", zap.Int64("count", n))
	}
	if n, err := g.trusts.PruneExpired(ctx, now); err != nil {
		g.log.Warn("trust sweep failed", zap.Error(err))
	} else if n > 0 {
		g.log.Info("swept expired trusts", zap.Int64("count", n))
	}
	g.mu.Lock()
	bl := g.banList[:0]
	for _, b := range g.banList {
		if !b.Expired(now) {
			bl = append(bl, b)
		}
	}
	g.banList = bl
	tl := g.trustList[:0]
	for _, t := range g.trustList {
		if !t.Expired(now) {
			tl = append(tl, t)
		}
	}
	g.trustList = tl
	g.mu.Unlock()
}

// RunSweeper prunes expired entries on the interval until ctx is done.
func (g *Gate) RunSweeper(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.Sweep(ctx)
		}
	}
}

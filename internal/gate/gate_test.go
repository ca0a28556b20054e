package gate

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/model"
	"github.com/nexusbb/nexusd/internal/repository"
)

type fakeBans struct {
	entries []model.BanEntry
	created int
}

var _ repository.BanRepository = (*fakeBans)(nil)

func (f *fakeBans) Create(_ context.Context, b *model.BanEntry) error {
	f.entries = append(f.entries, *b)
	f.created++
	return nil
}
func (f *fakeBans) DeleteByTarget(_ context.Context, target string) (int64, error) {
	return f.remove(func(b model.BanEntry) bool { return b.TargetString() == target }), nil
}
func (f *fakeBans) DeleteByNickname(_ context.Context, nick string) (int64, error) {
	return f.remove(func(b model.BanEntry) bool { return strings.EqualFold(b.Nickname, nick) }), nil
}
func (f *fakeBans) List(context.Context) ([]model.BanEntry, error) {
	return append([]model.BanEntry(nil), f.entries...), nil
}
func (f *fakeBans) PruneExpired(_ context.Context, now time.Time) (int64, error) {
	return f.remove(func(b model.BanEntry) bool { return b.Expired(now) }), nil
}
func (f *fakeBans) remove(match func(model.BanEntry) bool) int64 {
	var n int64
	kept := f.entries[:0]
	for _, b := range f.entries {
		if match(b) {
			n++
			continue
		}
		kept = append(kept, b)
	}
	f.entries = kept
	return n
}

type fakeTrusts struct{ entries []model.TrustEntry }

var _ repository.TrustRepository = (*fakeTrusts)(nil)

func (f *fakeTrusts) Create(_ context.Context, t *model.TrustEntry) error {
	f.entries = append(f.entries, *t)
	return nil
}
func (f *fakeTrusts) DeleteByTarget(_ context.Context, target string) (int64, error) {
	return f.remove(func(t model.TrustEntry) bool { return t.TargetString() == target }), nil
}
func (f *fakeTrusts) DeleteByNickname(_ context.Context, nick string) (int64, error) {
	return f.remove(func(t model.TrustEntry) bool { return strings.EqualFold(t.Nickname, nick) }), nil
}
func (f *fakeTrusts) List(context.Context) ([]model.TrustEntry, error) {
	return append([]model.TrustEntry(nil), f.entries...), nil
}
func (f *fakeTrusts) PruneExpired(_ context.Context, now time.Time) (int64, error) {
	return f.remove(func(t model.TrustEntry) bool { return t.Expired(now) }), nil
}
func (f *fakeTrusts) remove(match func(model.TrustEntry) bool) int64 {
	var n int64
	kept := f.entries[:0]
	for _, t := range f.entries {
		if match(t) {
			n++
			continue
		}
		kept = append(kept, t)
	}
	f.entries = kept
	return n
}

type fakeDir struct {
	ipsByNick  map[string][]net.IP
	adminNicks map[string]bool
	adminIPs   []net.IP
	terminated []string
}

var _ Directory = (*fakeDir)(nil)

func (d *fakeDir) IPsForNickname(nick string) []net.IP { return d.ipsByNick[strings.ToLower(nick)] }
func (d *fakeDir) NicknameIsAdmin(nick string) bool    { return d.adminNicks[strings.ToLower(nick)] }
func (d *fakeDir) AdminIPs() []net.IP                  { return d.adminIPs }
func (d *fakeDir) TerminateMatching(match func(net.IP) bool, reason, by string) {
	for _, ips := range d.ipsByNick {
		for _, ip := range ips {
			if match(ip) {
				d.terminated = append(d.terminated, ip.String())
			}
		}
	}
}

func newGate(t *testing.T) (*Gate, *fakeBans, *fakeTrusts, *fakeDir) {
	t.Helper()
	bans := &fakeBans{}
	trusts := &fakeTrusts{}
	dir := &fakeDir{ipsByNick: map[string][]net.IP{}, adminNicks: map[string]bool{}}
	g := New(zap.NewNop(), bans, trusts, dir)
	require.NoError(t, g.Load(context.Background()))
	return g, bans, trusts, dir
}

func mustIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip, _, err := model.ParseTarget(s)
	require.NoError(t, err)
	return ip
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]time.Duration{
		"":    0,
		"0":   0,
		"30m": 30 * time.Minute,
		"4h":  4 * time.Hour,
		"7d":  7 * 24 * time.Hour,
	} {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, in := range []string{"4", "h", "-4h", "4w", "4.5h", "99", "4H "} {
		_, err := ParseDuration(in)
		require.ErrorIs(t, err, errs.ErrBadDuration, in)
	}
}

func TestBan_DenyWithRemaining(t *testing.T) {
	g, _, _, _ := newGate(t)
	actor := Actor{Nickname: "root", IP: mustIP(t, "10.0.0.1"), Admin: true}

	require.NoError(t, g.Ban(context.Background(), actor, "10.0.0.9", "4h", "spam"))

	d := g.Check(mustIP(t, "10.0.0.9"))
	require.False(t, d.Allow)
	require.Equal(t, "spam", d.Reason)
	require.False(t, d.Permanent)
	require.Greater(t, d.Remaining, time.Duration(0))
	require.LessOrEqual(t, d.Remaining, 4*time.Hour)

	require.True(t, g.Check(mustIP(t, "10.0.0.8")).Allow)
}

func TestBan_PermanentAndCIDR(t *testing.T) {
	g, _, _, _ := newGate(t)
	actor := Actor{Nickname: "root", IP: mustIP(t, "10.0.0.1"), Admin: true}

	require.NoError(t, g.Ban(context.Background(), actor, "192.168.0.0/16", "0", "lan"))
	d := g.Check(mustIP(t, "192.168.44.7"))
	require.False(t, d.Allow)
	require.True(t, d.Permanent)
	require.Zero(t, d.Remaining)
}

func TestTrustWinsOverBan(t *testing.T) {
	g, _, _, _ := newGate(t)
	actor := Actor{Nickname: "root", IP: mustIP(t, "10.0.0.1"), Admin: true}

	// Allow-list-only deployment: trust selectively first, then ban everything.
	// The catch-all range passes the self check because the actor is trusted.
	require.NoError(t, g.Trust(context.Background(), actor, "10.0.0.1", "", "operator"))
	require.NoError(t, g.Trust(context.Background(), actor, "10.0.0.9", "", "regular"))
	require.NoError(t, g.Ban(context.Background(), actor, "0.0.0.0/0", "", "closed board"))

	require.True(t, g.Check(mustIP(t, "10.0.0.9")).Allow)
	require.False(t, g.Check(mustIP(t, "10.0.0.8")).Allow)
}

func TestBan_NicknameResolution(t *testing.T) {
	g, bans, _, dir := newGate(t)
	dir.ipsByNick["mallory"] = []net.IP{mustIP(t, "10.1.1.1"), mustIP(t, "10.1.1.2")}
	actor := Actor{Nickname: "root", IP: mustIP(t, "10.0.0.1"), Admin: true}

	require.NoError(t, g.Ban(context.Background(), actor, "mallory", "1d", "abuse"))
	require.Equal(t, 2, bans.created, "one entry per resolved IP")
	require.False(t, g.Check(mustIP(t, "10.1.1.2")).Allow)
	require.ElementsMatch(t, []string{"10.1.1.1", "10.1.1.2"}, dir.terminated,
		"connected sessions must be terminated")

	// Reconnecting from a new IP is not automatically covered.
	require.True(t, g.Check(mustIP(t, "10.9.9.9")).Allow)
}

func TestBan_PreCommitRejections(t *testing.T) {
	g, bans, _, dir := newGate(t)
	dir.ipsByNick["root"] = []net.IP{mustIP(t, "10.0.0.1")}
	dir.ipsByNick["admin2"] = []net.IP{mustIP(t, "10.0.0.2")}
	dir.adminNicks["admin2"] = true
	dir.adminIPs = []net.IP{mustIP(t, "10.0.0.2")}
	actor := Actor{Nickname: "root", IP: mustIP(t, "10.0.0.1"), Admin: true}
	ctx := context.Background()

	require.ErrorIs(t, g.Ban(ctx, actor, "root", "", ""), errs.ErrSelfTarget)
	require.ErrorIs(t, g.Ban(ctx, actor, "10.0.0.1", "", ""), errs.ErrSelfTarget)
	require.ErrorIs(t, g.Ban(ctx, actor, "admin2", "", ""), errs.ErrAdminTarget)
	require.ErrorIs(t, g.Ban(ctx, actor, "10.0.0.2", "", ""), errs.ErrAdminTarget)
	require.ErrorIs(t, g.Ban(ctx, actor, "not an ip or nick", "", ""), errs.ErrBadTarget)
	require.ErrorIs(t, g.Ban(ctx, actor, "10.0.0.9", "4x", ""), errs.ErrBadDuration)
	require.Zero(t, bans.created, "no mutation may precede a rejection")
}

func TestBan_CIDRGuardsAndTermination(t *testing.T) {
	g, bans, _, dir := newGate(t)
	dir.ipsByNick["alice"] = []net.IP{mustIP(t, "10.5.0.7")}
	dir.ipsByNick["mallory"] = []net.IP{mustIP(t, "10.5.0.8")}
	dir.adminIPs = []net.IP{mustIP(t, "10.9.0.1")}
	actor := Actor{Nickname: "root", IP: mustIP(t, "10.0.0.1"), Admin: true}
	ctx := context.Background()

	// Ranges containing the actor or a connected admin are rejected up front,
	// same as exact addresses.
	require.ErrorIs(t, g.Ban(ctx, actor, "10.0.0.0/24", "", ""), errs.ErrSelfTarget)
	require.ErrorIs(t, g.Ban(ctx, actor, "10.9.0.0/16", "", ""), errs.ErrAdminTarget)
	require.Zero(t, bans.created)

	// Banning a range terminates every connected session inside it.
	require.NoError(t, g.Ban(ctx, actor, "10.5.0.0/24", "", "bad block"))
	require.ElementsMatch(t, []string{"10.5.0.7", "10.5.0.8"}, dir.terminated)

	// A trusted session inside the range survives: trust wins on its next
	// connect too.
	dir.terminated = nil
	dir.ipsByNick["friend"] = []net.IP{mustIP(t, "10.6.0.2")}
	require.NoError(t, g.Trust(ctx, actor, "10.6.0.2", "", "regular"))
	require.NoError(t, g.Ban(ctx, actor, "10.6.0.0/24", "", ""))
	require.NotContains(t, dir.terminated, "10.6.0.2")
}

func TestExpiry_LazyAndSwept(t *testing.T) {
	g, bans, _, _ := newGate(t)
	actor := Actor{Nickname: "root", IP: mustIP(t, "10.0.0.1"), Admin: true}
	require.NoError(t, g.Ban(context.Background(), actor, "10.0.0.9", "1m", "short"))

	// Jump the clock past expiry: entry still stored, but treated as absent.
	g.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.True(t, g.Check(mustIP(t, "10.0.0.9")).Allow)
	require.Len(t, bans.entries, 1)
	require.Empty(t, g.Bans(), "listing hides expired entries")

	g.Sweep(context.Background())
	require.Empty(t, bans.entries, "sweep reclaims storage")
}

func TestUnbanUntrust(t *testing.T) {
	g, _, _, dir := newGate(t)
	dir.ipsByNick["mallory"] = []net.IP{mustIP(t, "10.1.1.1")}
	actor := Actor{Nickname: "root", IP: mustIP(t, "10.0.0.1"), Admin: true}
	ctx := context.Background()

	require.NoError(t, g.Ban(ctx, actor, "10.0.0.9", "", ""))
	require.NoError(t, g.Ban(ctx, actor, "mallory", "", ""))
	require.NoError(t, g.Unban(ctx, "10.0.0.9"))
	require.True(t, g.Check(mustIP(t, "10.0.0.9")).Allow)
	require.NoError(t, g.Unban(ctx, "mallory"), "nickname-based removal")
	require.True(t, g.Check(mustIP(t, "10.1.1.1")).Allow)
	require.ErrorIs(t, g.Unban(ctx, "10.0.0.9"), errs.ErrNotFound)

	require.NoError(t, g.Trust(ctx, actor, "10.2.2.2", "", ""))
	require.NoError(t, g.Untrust(ctx, "10.2.2.2"))
	require.ErrorIs(t, g.Untrust(ctx, "10.2.2.2"), errs.ErrNotFound)
}

func TestCheckNickname_TrustByNickname(t *testing.T) {
	g, _, _, dir := newGate(t)
	dir.ipsByNick["friend"] = []net.IP{mustIP(t, "10.3.3.3")}
	actor := Actor{Nickname: "root", IP: mustIP(t, "10.0.0.1"), Admin: true}
	ctx := context.Background()

	require.NoError(t, g.Trust(ctx, actor, "friend", "", ""))
	require.NoError(t, g.Ban(ctx, actor, "10.4.0.0/16", "", "bad block"))

	// Same nickname from a banned block: trust entry short-circuits.
	require.True(t, g.CheckNickname("Friend", mustIP(t, "10.4.1.1")).Allow)
	require.False(t, g.CheckNickname("stranger", mustIP(t, "10.4.1.1")).Allow)
}

package ticket

import (
	"net"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/nexusbb/nexusd/internal/errs"
)

func TestIssueVerify_RoundTrip(t *testing.T) {
	t.Parallel()
	i := NewIssuer([]byte("k1"))
	sid := uuid.Must(uuid.NewV4())
	ip := net.ParseIP("10.0.0.7")

	tok, err := i.Issue(sid, "lounge", "visitor", false, ip)
	require.NoError(t, err)

	claims, err := i.Verify(tok, ip)
	require.NoError(t, err)
	require.Equal(t, sid.String(), claims.SessionID)
	require.Equal(t, "lounge", claims.Username)
	require.Equal(t, "visitor", claims.Nickname)
	require.False(t, claims.Admin)
}

func TestVerify_Rejections(t *testing.T) {
	t.Parallel()
	i := NewIssuer([]byte("k1"))
	other := NewIssuer([]byte("k2"))
	sid := uuid.Must(uuid.NewV4())
	ip := net.ParseIP("10.0.0.7")

	tok, err := i.Issue(sid, "alice", "alice", true, ip)
	require.NoError(t, err)

	_, err = other.Verify(tok, ip)
	require.ErrorIs(t, err, errs.ErrUnauthorized, "wrong key")

	_, err = i.Verify(tok, net.ParseIP("10.0.0.8"))
	require.ErrorIs(t, err, errs.ErrUnauthorized, "ticket bound to a different IP")

	_, err = i.Verify("not-a-token", ip)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusbb/nexusd/internal/errs"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()
	env, err := NewEnvelope(TypeLogin, 7, LoginMsg{Username: "alice", Password: "pw", Nickname: "al"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, env))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TypeLogin, got.Type)
	require.Equal(t, uint32(7), got.Seq)

	var login LoginMsg
	require.NoError(t, Unmarshal(got.Body, &login))
	require.Equal(t, "alice", login.Username)
	require.Equal(t, "al", login.Nickname)
}

func TestReadFrame_RejectsOversized(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	buf.Write(hdr[:])

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, errs.ErrProtocol)
}

func TestReadFrame_RejectsGarbage(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 3)
	buf.Write(hdr[:])
	buf.Write([]byte{0xff, 0xff, 0xff})

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, errs.ErrProtocol)
}

func TestCheckVersion(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckVersion(ServerVersion()))
	require.NoError(t, CheckVersion(Version{Major: VersionMajor, Minor: 0, Patch: 0}),
		"older client minor is compatible")

	err := CheckVersion(Version{Major: VersionMajor + 1})
	require.ErrorIs(t, err, errs.ErrVersionMismatch, "major mismatch")

	err = CheckVersion(Version{Major: VersionMajor - 1, Minor: 9})
	require.ErrorIs(t, err, errs.ErrVersionMismatch, "older major mismatch")

	err = CheckVersion(Version{Major: VersionMajor, Minor: VersionMinor + 1})
	require.ErrorIs(t, err, errs.ErrVersionMismatch, "client minor ahead of server")

	err = CheckVersion(Version{Major: VersionMajor, Minor: VersionMinor, Patch: VersionPatch + 1})
	require.ErrorIs(t, err, errs.ErrVersionMismatch, "client patch ahead of server")
}

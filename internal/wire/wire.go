// Package wire implements the framed CBOR protocol spoken on both the
// session and transfer listeners.
//
// A frame is a 4-byte big-endian payload length followed by a CBOR-encoded
// Envelope. The first frame on any connection must be a Handshake.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/nexusbb/nexusd/internal/errs"
)

// Protocol version of this server build. Major must match exactly; a client
// whose minor/patch is ahead of the server is rejected (server must upgrade).
const (
	VersionMajor = 2
	VersionMinor = 1
	VersionPatch = 0
)

// MaxFrameSize bounds a single frame. Transfer data chunks fit well under it.
const MaxFrameSize = 1 << 20

// ChunkSize is the payload size used for transfer data frames.
const ChunkSize = 256 * 1024

// Type identifies a message kind inside an Envelope.
type Type uint16

// Session-service message types.
const (
	TypeHandshake Type = iota + 1
	TypeHandshakeAck
	TypeLogin
	TypeLoginOK
	TypeError
	TypeChatSend
	TypeChatEvent
	TypeChannelJoin
	TypeChannelLeave
	TypeChannelList
	TypeTopicGet
	TypeTopicSet
	TypeTopicClear
	TypeTopic
	TypeUserCreate
	TypeUserEdit
	TypeUserDelete
	TypeUserList
	TypeKick
	TypeBan
	TypeUnban
	TypeBanList
	TypeTrust
	TypeUntrust
	TypeTrustList
	TypeReindex
	TypeRecheck
	TypeTicketRequest
	TypeTicketGrant
	TypeDisconnect
	TypeOK
)

// Transfer-service message types. Handshake/Error/OK are shared.
const (
	TypeTransferAuth Type = iota + 64
	TypeFolderList
	TypeFolderListing
	TypeUploadStart
	TypeUploadData
	TypeUploadFinish
	TypeDownloadStart
	TypeDownloadData
	TypeDownloadDone
	TypeTransferPause
	TypeTransferResume
	TypeTransferCancel
	TypeSearch
	TypeSearchResult
	TypeJobStatus
	TypeFileDelete
	TypeFileRename
	TypeFileMkdir
)

// Envelope is the outer frame payload. Body holds the type-specific message,
// decoded lazily by the dispatcher.
type Envelope struct {
	Type Type            `cbor:"1,keyasint"`
	Seq  uint32          `cbor:"2,keyasint,omitempty"`
	Body cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeUnix
	m, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	encMode = m
}

// Marshal encodes a body value with the package's deterministic CBOR mode.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes a body value.
func Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

// NewEnvelope encodes body and wraps it with the given type and sequence.
func NewEnvelope(t Type, seq uint32, body any) (Envelope, error) {
	if body == nil {
		return Envelope{Type: t, Seq: seq}, nil
	}
	raw, err := encMode.Marshal(body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Seq: seq, Body: raw}, nil
}

// WriteFrame encodes and writes one envelope.
func WriteFrame(w io.Writer, env Envelope) error {
	payload, err := encMode.Marshal(env)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", errs.ErrProtocol, len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads and decodes one envelope.
func ReadFrame(r io.Reader) (Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrameSize {
		return Envelope{}, fmt.Errorf("%w: frame length %d", errs.ErrProtocol, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errs.ErrProtocol, err)
	}
	return env, nil
}

// Version is the semantic protocol version carried in a handshake.
type Version struct {
	Major int `cbor:"1,keyasint"`
	Minor int `cbor:"2,keyasint"`
	Patch int `cbor:"3,keyasint"`
}

// ServerVersion returns this build's protocol version.
func ServerVersion() Version {
	return Version{Major: VersionMajor, Minor: VersionMinor, Patch: VersionPatch}
}

// CheckVersion validates a client version against the server's: major must
// match exactly, and the client's minor/patch must not be ahead.
func CheckVersion(client Version) error {
	if client.Major != VersionMajor {
		return fmt.Errorf("%w: client %d.%d.%d, server %d.%d.%d",
			errs.ErrVersionMismatch,
			client.Major, client.Minor, client.Patch,
			VersionMajor, VersionMinor, VersionPatch)
	}
	if client.Minor > VersionMinor ||
		(client.Minor == VersionMinor && client.Patch > VersionPatch) {
		return fmt.Errorf("%w: client %d.%d.%d ahead of server %d.%d.%d",
			errs.ErrVersionMismatch,
			client.Major, client.Minor, client.Patch,
			VersionMajor, VersionMinor, VersionPatch)
	}
	return nil
}

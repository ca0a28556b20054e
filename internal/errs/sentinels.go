// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication. Deliberately generic:
	// callers must not be able to tell unknown-user from wrong-password.
	ErrUnauthorized = errors.New("invalid credentials")

	// ErrAccountDisabled indicates login against a disabled account.
	ErrAccountDisabled = errors.New("account disabled")

	// ErrPermissionDenied indicates a missing capability.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrValidation indicates input failed length/charset/grammar bounds.
	ErrValidation = errors.New("validation failed")

	// ErrProtocol indicates a message violating the connection state machine.
	// Fatal to the connection.
	ErrProtocol = errors.New("protocol error")

	// ErrVersionMismatch indicates an incompatible protocol version in handshake.
	ErrVersionMismatch = errors.New("incompatible protocol version")
)

// Authorization invariant violations. Each is distinct so the server layer
// can render a specific message instead of a generic forbidden.
var (
	// ErrAdminTarget indicates a non-admin tried to edit/delete/demote/kick an admin.
	ErrAdminTarget = errors.New("target is an administrator")

	// ErrLastAdmin indicates an operation that would remove the last admin.
	ErrLastAdmin = errors.New("cannot remove the last administrator")

	// ErrSelfTarget indicates an actor targeting itself for delete/kick/message.
	ErrSelfTarget = errors.New("cannot target own account")

	// ErrGrantExceedsOwn indicates a non-admin granting capabilities it does not hold.
	ErrGrantExceedsOwn = errors.New("grant exceeds granter's permissions")

	// ErrNicknameTaken indicates a nickname colliding with an active nickname
	// or a registered username.
	ErrNicknameTaken = errors.New("nickname already in use")

	// ErrGuestImmutable indicates an attempt to delete or rename the guest account.
	ErrGuestImmutable = errors.New("guest account cannot be deleted or renamed")
)

// Security gate sentinels.
var (
	// ErrBanned indicates the source IP (or nickname) matched an active ban.
	ErrBanned = errors.New("banned")

	// ErrBadDuration indicates an unparseable ban duration string.
	ErrBadDuration = errors.New("invalid duration")

	// ErrBadTarget indicates an unparseable ban/trust target.
	ErrBadTarget = errors.New("invalid target")
)

// Transfer sentinels. Each fails a single job, never its siblings.
var (
	// ErrPathTraversal indicates a path containing a parent-directory component.
	ErrPathTraversal = errors.New("path escapes root")

	// ErrUploadConflict indicates a second writer for an in-flight destination path.
	ErrUploadConflict = errors.New("upload already in progress for destination")

	// ErrDestinationExists indicates the destination already holds a completed,
	// differently-hashed file.
	ErrDestinationExists = errors.New("destination exists with different content")

	// ErrHashMismatch indicates the transferred content did not match the
	// digest declared at job start.
	ErrHashMismatch = errors.New("content hash mismatch")

	// ErrQueueFull indicates the per-IP concurrent transfer cap was reached.
	ErrQueueFull = errors.New("transfer slots exhausted for source address")

	// ErrJobState indicates a lifecycle operation invalid for the job's state.
	ErrJobState = errors.New("invalid job state for operation")
)

package wire

import (
	"errors"

	"github.com/nexusbb/nexusd/internal/errs"
)

// CodeFor maps a sentinel error chain to its stable wire code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, errs.ErrVersionMismatch):
		return CodeVersion
	case errors.Is(err, errs.ErrProtocol):
		return CodeProtocol
	case errors.Is(err, errs.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, errs.ErrAccountDisabled):
		return CodeAccountDisabled
	case errors.Is(err, errs.ErrNicknameTaken):
		return CodeNicknameTaken
	case errors.Is(err, errs.ErrAdminTarget):
		return CodeAdminTarget
	case errors.Is(err, errs.ErrLastAdmin):
		return CodeLastAdmin
	case errors.Is(err, errs.ErrSelfTarget):
		return CodeSelfTarget
	case errors.Is(err, errs.ErrGrantExceedsOwn):
		return CodeGrantExceeds
	case errors.Is(err, errs.ErrGuestImmutable):
		return CodeGuestImmutable
	case errors.Is(err, errs.ErrPermissionDenied):
		return CodeForbidden
	case errors.Is(err, errs.ErrBanned):
		return CodeBanned
	case errors.Is(err, errs.ErrBadDuration):
		return CodeBadDuration
	case errors.Is(err, errs.ErrBadTarget):
		return CodeBadTarget
	case errors.Is(err, errs.ErrPathTraversal):
		return CodeTraversal
	case errors.Is(err, errs.ErrUploadConflict):
		return CodeConflict
	case errors.Is(err, errs.ErrDestinationExists):
		return CodeDestExists
	case errors.Is(err, errs.ErrHashMismatch):
		return CodeHashMismatch
	case errors.Is(err, errs.ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, errs.ErrJobState):
		return CodeJobState
	case errors.Is(err, errs.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, errs.ErrAlreadyExists):
		return CodeExists
	case errors.Is(err, errs.ErrValidation):
		return CodeValidation
	default:
		return CodeInternal
	}
}

// ErrorEnvelope wraps an error into a reply frame. Encoding an ErrorMsg
// cannot fail; the fallback is an empty-body error envelope.
func ErrorEnvelope(seq uint32, err error) Envelope {
	env, encErr := NewEnvelope(TypeError, seq, ErrorMsg{Code: CodeFor(err), Message: err.Error()})
	if encErr != nil {
		return Envelope{Type: TypeError, Seq: seq}
	}
	return env
}

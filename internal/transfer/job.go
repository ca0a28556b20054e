// Package transfer implements the file-transfer job engine: queue slots,
// resumable upload/download jobs, integrity verification, and the search
// index.
package transfer

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/zeebo/blake3"

	"github.com/nexusbb/nexusd/internal/errs"
)

// Direction of a transfer job.
type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// State is the job lifecycle position.
type State int

const (
	Queued State = iota
	Connecting
	Transferring
	Paused
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Connecting:
		return "connecting"
	case Transferring:
		return "transferring"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// validNext encodes the state machine edges.
func validNext(from, to State) bool {
	switch from {
	case Queued:
		return to == Connecting || to == Cancelled || to == Failed
	case Connecting:
		return to == Transferring || to == Cancelled || to == Failed
	case Transferring:
		return to == Paused || to == Completed || to == Failed || to == Cancelled
	case Paused:
		return to == Transferring || to == Cancelled || to == Failed
	default:
		return false
	}
}

// Job is one queued unit of transfer work. Byte-stream writes are strictly
// sequential; the engine enforces a single writer per destination path.
type Job struct {
	ID           uuid.UUID
	Direction    Direction
	VirtualPath  string
	Owner        uuid.UUID // owning session
	Username     string
	IP           net.IP
	Size         int64
	DeclaredHash string // hex digest fixed at job start, verified on completion
	BatchID      string // optional client grouping; jobs transition independently

	mu        sync.Mutex
	state     State
	offset    int64
	err       error
	finalHash string

	// upload internals
	phys   string // committed destination
	part   string // in-progress partial path
	file   *os.File
	hasher *blake3.Hasher

	// paused is signalled on resume so a blocked I/O loop can continue.
	resumed chan struct{}
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Progress returns transferred bytes.
func (j *Job) Progress() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.offset
}

// Err returns the failure cause for a Failed job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// FinalHash returns the verified content digest of a Completed job.
func (j *Job) FinalHash() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finalHash
}

// transition moves the state machine, rejecting invalid edges.
func (j *Job) transition(to State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(to)
}

func (j *Job) transitionLocked(to State) error {
	if !validNext(j.state, to) {
		return fmt.Errorf("%w: %s -> %s", errs.ErrJobState, j.state, to)
	}
	j.state = to
	if to == Transferring && j.resumed != nil {
		close(j.resumed)
		j.resumed = nil
	}
	if to == Paused {
		j.resumed = make(chan struct{})
	}
	return nil
}

// failLocked marks the job Failed with a cause, from any live state.
func (j *Job) failLocked(cause error) {
	if j.state.Terminal() {
		return
	}
	j.state = Failed
	j.err = cause
	if j.resumed != nil {
		close(j.resumed)
		j.resumed = nil
	}
}

// awaitResume blocks a paused I/O loop until resume, cancel, or failure.
// Pause suspends the loop without releasing the queue slot.
func (j *Job) awaitResume() State {
	j.mu.Lock()
	for j.state == Paused {
		ch := j.resumed
		j.mu.Unlock()
		<-ch
		j.mu.Lock()
	}
	s := j.state
	j.mu.Unlock()
	return s
}

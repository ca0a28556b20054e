package transfer

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/vfs"
)

// Snapshot is a point-in-time view of a job for status reporting.
type Snapshot struct {
	ID          uuid.UUID
	Owner       uuid.UUID
	Direction   Direction
	VirtualPath string
	State       State
	Size        int64
	Offset      int64
	Hash        string
	Error       string
	BatchID     string
}

// Engine owns the transfer queues. It enforces the per-IP concurrency cap,
// the single-writer rule per destination path, and upload integrity
// verification before commit.
type Engine struct {
	log      *zap.Logger
	res      *vfs.Resolver
	maxPerIP int
	notify   func(Snapshot) // state-change hook, may be nil

	mu      sync.Mutex
	jobs    map[uuid.UUID]*Job
	done    []*Job // recently finished, kept for queue listings
	perIP   map[string]int
	writers map[string]uuid.UUID // destination phys path -> owning job
}

// NewEngine constructs the engine. maxPerIP of 0 falls back to 5.
func NewEngine(log *zap.Logger, res *vfs.Resolver, maxPerIP int, notify func(Snapshot)) *Engine {
	if maxPerIP <= 0 {
		maxPerIP = 5
	}
	return &Engine{
		log:      log,
		res:      res,
		maxPerIP: maxPerIP,
		notify:   notify,
		jobs:     make(map[uuid.UUID]*Job),
		perIP:    make(map[string]int),
		writers:  make(map[string]uuid.UUID),
	}
}

func (e *Engine) snapshotLocked(j *Job) Snapshot {
	s := Snapshot{
		ID:          j.ID,
		Owner:       j.Owner,
		Direction:   j.Direction,
		VirtualPath: j.VirtualPath,
		State:       j.state,
		Size:        j.Size,
		Offset:      j.offset,
		Hash:        j.finalHash,
		BatchID:     j.BatchID,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}

func (e *Engine) emit(j *Job) {
	if e.notify == nil {
		return
	}
	j.mu.Lock()
	s := e.snapshotLocked(j)
	j.mu.Unlock()
	e.notify(s)
}

// hashFile computes the hex BLAKE3 digest of a file on disk.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StartUpload queues an upload job. An existing completed file at the
// destination with a different hash rejects the job up front; an identical
// file short-circuits as already present. A resumable partial at the
// destination sets the job's starting offset, and its bytes are folded into
// the running digest so verification still covers the whole file.
func (e *Engine) StartUpload(acc vfs.AccountView, owner uuid.UUID, ip net.IP, vpath string, size int64, declaredHash, batch string) (*Job, error) {
	res, err := e.res.ResolveForUpload(acc, vpath)
	if err != nil {
		return nil, err
	}
	dest := res.Phys
	if st, err := os.Stat(dest); err == nil && !st.IsDir() {
		existing, err := hashFile(dest)
		if err != nil {
			return nil, err
		}
		if existing == declaredHash {
			return nil, fmt.Errorf("%w: identical file already present", errs.ErrAlreadyExists)
		}
		return nil, errs.ErrDestinationExists
	}

	id := uuid.Must(uuid.NewV4())
	j := &Job{
		ID:           id,
		Direction:    Upload,
		VirtualPath:  vpath,
		Owner:        owner,
		Username:     acc.Username,
		IP:           ip,
		Size:         size,
		DeclaredHash: declaredHash,
		BatchID:      batch,
		state:        Queued,
		phys:         dest,
		part:         dest + vfs.PartialSuffix,
		hasher:       blake3.New(),
	}

	e.mu.Lock()
	key := ip.String()
	if e.perIP[key] >= e.maxPerIP {
		e.mu.Unlock()
		return nil, errs.ErrQueueFull
	}
	if _, busy := e.writers[dest]; busy {
		e.mu.Unlock()
		return nil, errs.ErrUploadConflict
	}
	e.perIP[key]++
	e.writers[dest] = id
	e.jobs[id] = j
	e.mu.Unlock()

	if err := e.openPartial(j); err != nil {
		e.release(j)
		j.mu.Lock()
		j.failLocked(err)
		j.mu.Unlock()
		return nil, err
	}
	e.emit(j)
	return j, nil
}

// openPartial opens or resumes the ".part" file and replays any existing
// bytes through the hasher.
func (e *Engine) openPartial(j *Job) error {
	f, err := os.OpenFile(j.part, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if st.Size() > 0 {
		prev, err := os.Open(j.part)
		if err != nil {
			f.Close()
			return err
		}
		n, err := io.Copy(j.hasher, prev)
		prev.Close()
		if err != nil {
			f.Close()
			return err
		}
		j.offset = n
	}
	if _, err := f.Seek(j.offset, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	j.file = f
	return nil
}

// Activate moves a queued job onto the wire: Queued through Connecting to
// Transferring.
func (e *Engine) Activate(j *Job) error {
	if err := j.transition(Connecting); err != nil {
		return err
	}
	if err := j.transition(Transferring); err != nil {
		return err
	}
	e.emit(j)
	return nil
}

// WriteChunk appends sequential upload bytes. A gap or overlap in offsets
// fails the job. Writes against a paused job are refused without failing it;
// the client re-sends the chunk after resume. Never blocks, so the caller's
// read loop stays free to accept the resume or cancel frame.
func (e *Engine) WriteChunk(j *Job, offset int64, data []byte) error {
	j.mu.Lock()
	if j.state != Transferring {
		s := j.state
		j.mu.Unlock()
		return fmt.Errorf("%w: job is %s", errs.ErrJobState, s)
	}
	if offset != j.offset {
		err := fmt.Errorf("%w: non-sequential write at %d, want %d", errs.ErrValidation, offset, j.offset)
		j.failLocked(err)
		j.mu.Unlock()
		e.finalizeUploadFailure(j, false)
		e.emit(j)
		return err
	}
	if _, err := j.file.Write(data); err != nil {
		j.failLocked(err)
		j.mu.Unlock()
		e.finalizeUploadFailure(j, false)
		e.emit(j)
		return err
	}
	j.hasher.Write(data)
	j.offset += int64(len(data))
	j.mu.Unlock()
	return nil
}

// FinishUpload verifies the declared digest and commits the partial onto its
// final name. A mismatch discards the partial; nothing unverified is ever
// committed.
func (e *Engine) FinishUpload(j *Job) (string, error) {
	j.mu.Lock()
	if j.state != Transferring {
		s := j.state
		j.mu.Unlock()
		return "", fmt.Errorf("%w: job is %s", errs.ErrJobState, s)
	}
	got := hex.EncodeToString(j.hasher.Sum(nil))
	if got != j.DeclaredHash {
		j.failLocked(errs.ErrHashMismatch)
		j.mu.Unlock()
		e.finalizeUploadFailure(j, true)
		e.emit(j)
		return "", errs.ErrHashMismatch
	}
	j.file.Close()
	j.file = nil
	// The destination may have appeared since the job was queued.
	if _, err := os.Stat(j.phys); err == nil {
		j.failLocked(errs.ErrDestinationExists)
		j.mu.Unlock()
		e.finalizeUploadFailure(j, true)
		e.emit(j)
		return "", errs.ErrDestinationExists
	}
	if err := os.Rename(j.part, j.phys); err != nil {
		j.failLocked(err)
		j.mu.Unlock()
		e.finalizeUploadFailure(j, false)
		e.emit(j)
		return "", err
	}
	j.state = Completed
	j.finalHash = got
	j.mu.Unlock()
	e.release(j)
	e.emit(j)
	e.log.Info("upload committed",
		zap.String("path", j.VirtualPath),
		zap.String("user", j.Username),
		zap.Int64("size", j.Size))
	return got, nil
}

// finalizeUploadFailure closes the handle, optionally discards the partial,
// and frees queue resources. Interrupted transfers keep their partial so a
// later upload can resume; only verification failures discard it.
func (e *Engine) finalizeUploadFailure(j *Job, discard bool) {
	j.mu.Lock()
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
	part := j.part
	j.mu.Unlock()
	if discard && part != "" {
		os.Remove(part)
	}
	e.release(j)
}

// StartDownload queues a download job starting at the requested resume
// offset.
func (e *Engine) StartDownload(acc vfs.AccountView, owner uuid.UUID, ip net.IP, vpath string, offset int64, declared, batch string) (*Job, error) {
	res, err := e.res.ResolveForDownload(acc, vpath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(res.Phys)
	if err != nil {
		return nil, errs.ErrNotFound
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if offset < 0 || offset > st.Size() {
		f.Close()
		return nil, fmt.Errorf("%w: resume offset out of range", errs.ErrValidation)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	// The source digest is pinned here and re-verified on completion. A
	// resuming client presents the digest from its first attempt so a file
	// that changed in between is rejected before any bytes move.
	pinned, err := hashFile(res.Phys)
	if err != nil {
		f.Close()
		return nil, err
	}
	if declared != "" && declared != pinned {
		f.Close()
		return nil, fmt.Errorf("%w: file changed since the transfer was started", errs.ErrHashMismatch)
	}

	j := &Job{
		ID:           uuid.Must(uuid.NewV4()),
		Direction:    Download,
		VirtualPath:  vpath,
		Owner:        owner,
		Username:     acc.Username,
		IP:           ip,
		Size:         st.Size(),
		DeclaredHash: pinned,
		BatchID:      batch,
		state:        Queued,
		offset:       offset,
		phys:         res.Phys,
		file:         f,
	}

	e.mu.Lock()
	key := ip.String()
	if e.perIP[key] >= e.maxPerIP {
		e.mu.Unlock()
		f.Close()
		return nil, errs.ErrQueueFull
	}
	e.perIP[key]++
	e.jobs[j.ID] = j
	e.mu.Unlock()
	e.emit(j)
	return j, nil
}

// ReadChunk fills buf with the next sequential bytes of a download. done is
// true once the final byte has been produced and the whole-file digest still
// matches the one pinned at job start; a mismatch fails the job instead.
func (e *Engine) ReadChunk(j *Job, buf []byte) (n int, offset int64, done bool, err error) {
	if s := j.awaitResume(); s != Transferring {
		return 0, 0, false, fmt.Errorf("%w: job is %s", errs.ErrJobState, s)
	}
	j.mu.Lock()
	offset = j.offset
	n, err = j.file.Read(buf)
	if n > 0 {
		j.offset += int64(n)
	}
	if err == io.EOF || (err == nil && j.offset == j.Size) {
		j.file.Close()
		j.file = nil
		h, herr := hashFile(j.phys)
		switch {
		case herr != nil:
			j.failLocked(herr)
		case h != j.DeclaredHash:
			j.failLocked(fmt.Errorf("%w: file changed during transfer", errs.ErrHashMismatch))
		default:
			j.state = Completed
			j.finalHash = h
		}
		done = j.state == Completed
		cause := j.err
		j.mu.Unlock()
		e.release(j)
		e.emit(j)
		if !done {
			return 0, offset, false, cause
		}
		return n, offset, true, nil
	}
	if err != nil {
		j.failLocked(err)
		if j.file != nil {
			j.file.Close()
			j.file = nil
		}
		j.mu.Unlock()
		e.release(j)
		e.emit(j)
		return 0, offset, false, err
	}
	j.mu.Unlock()
	return n, offset, false, nil
}

// Pause suspends a transferring job. The queue slot stays held.
func (e *Engine) Pause(id, requester uuid.UUID, admin bool) error {
	j, err := e.owned(id, requester, admin)
	if err != nil {
		return err
	}
	if err := j.transition(Paused); err != nil {
		return err
	}
	e.emit(j)
	return nil
}

// Resume continues a paused job.
func (e *Engine) Resume(id, requester uuid.UUID, admin bool) error {
	j, err := e.owned(id, requester, admin)
	if err != nil {
		return err
	}
	if err := j.transition(Transferring); err != nil {
		return err
	}
	e.emit(j)
	return nil
}

// Cancel terminates a job on explicit request. A cancelled upload's partial
// file is discarded; a later attempt starts over.
func (e *Engine) Cancel(id, requester uuid.UUID, admin bool) error {
	return e.stop(id, requester, admin, true)
}

// Interrupt terminates a job whose connection was lost. Upload partials stay
// on disk so a reconnecting client can resume where it stopped.
func (e *Engine) Interrupt(id, requester uuid.UUID, admin bool) error {
	return e.stop(id, requester, admin, false)
}

func (e *Engine) stop(id, requester uuid.UUID, admin, discardPartial bool) error {
	j, err := e.owned(id, requester, admin)
	if err != nil {
		return err
	}
	if err := j.transition(Cancelled); err != nil {
		return err
	}
	j.mu.Lock()
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
	var part string
	if discardPartial && j.Direction == Upload {
		part = j.part
	}
	j.mu.Unlock()
	if part != "" {
		os.Remove(part)
	}
	e.release(j)
	e.emit(j)
	return nil
}

func (e *Engine) owned(id, requester uuid.UUID, admin bool) (*Job, error) {
	e.mu.Lock()
	j, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return nil, errs.ErrNotFound
	}
	if !admin && j.Owner != requester {
		return nil, errs.ErrPermissionDenied
	}
	return j, nil
}

// release frees the per-IP slot and the destination writer registration.
// Idempotent per job.
func (e *Engine) release(j *Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, live := e.jobs[j.ID]; !live {
		return
	}
	key := j.IP.String()
	if e.perIP[key] > 0 {
		e.perIP[key]--
		if e.perIP[key] == 0 {
			delete(e.perIP, key)
		}
	}
	if j.Direction == Upload && e.writers[j.phys] == j.ID {
		delete(e.writers, j.phys)
	}
	delete(e.jobs, j.ID)
	e.done = append(e.done, j)
	if len(e.done) > doneHistory {
		e.done = e.done[len(e.done)-doneHistory:]
	}
}

// doneHistory bounds how many finished jobs stay visible in queue listings.
const doneHistory = 64

// Jobs lists the requester's jobs in one direction. Uploads and downloads
// are independent queues; saturation in one never hides the other.
func (e *Engine) Jobs(requester uuid.UUID, admin bool, dir Direction) []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Snapshot
	for _, j := range e.jobs {
		if j.Direction != dir {
			continue
		}
		if !admin && j.Owner != requester {
			continue
		}
		j.mu.Lock()
		out = append(out, e.snapshotLocked(j))
		j.mu.Unlock()
	}
	for _, j := range e.done {
		if j.Direction != dir {
			continue
		}
		if !admin && j.Owner != requester {
			continue
		}
		j.mu.Lock()
		out = append(out, e.snapshotLocked(j))
		j.mu.Unlock()
	}
	return out
}

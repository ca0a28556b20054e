package transferserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/model"
	"github.com/nexusbb/nexusd/internal/perm"
	"github.com/nexusbb/nexusd/internal/transfer"
	"github.com/nexusbb/nexusd/internal/vfs"
	"github.com/nexusbb/nexusd/internal/wire"
)

// dispatch routes one authenticated frame. Returned errors become ErrorMsg
// replies; they never close the connection, and a failed job never affects
// its queue siblings.
func (c *conn) dispatch(_ context.Context, env wire.Envelope) error {
	switch env.Type {
	case wire.TypeFolderList:
		var msg wire.FolderListMsg
		if err := wire.Unmarshal(env.Body, &msg); err != nil {
			return errs.ErrProtocol
		}
		if err := c.actor.Require(perm.FileList); err != nil {
			return err
		}
		entries, err := c.srv.res.List(c.acc, msg.Path)
		if err != nil {
			return err
		}
		out := make([]wire.FileEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, wire.FileEntry{
				Name:    e.Name,
				Dir:     e.Kind == model.KindDir,
				Size:    e.Size,
				ModTime: e.ModTime,
				Upload:  e.Kind == model.KindDir && e.Folder != model.FolderPlain,
			})
		}
		reply, err := wire.NewEnvelope(wire.TypeFolderListing, env.Seq, wire.FolderListingMsg{Path: msg.Path, Entries: out})
		if err != nil {
			return err
		}
		return c.write(reply)

	case wire.TypeUploadStart:
		var msg wire.UploadStartMsg
		if err := wire.Unmarshal(env.Body, &msg); err != nil {
			return errs.ErrProtocol
		}
		if err := c.actor.Require(perm.FileUpload); err != nil {
			return err
		}
		if msg.Size < 0 || msg.Hash == "" {
			return fmt.Errorf("%w: size and hash are required", errs.ErrValidation)
		}
		j, err := c.srv.engine.StartUpload(c.acc, c.owner, c.ip, msg.Path, msg.Size, msg.Hash, "")
		if err != nil {
			return err
		}
		if err := c.srv.engine.Activate(j); err != nil {
			return err
		}
		c.track(j)
		// Progress in the reply is the resume offset the peer must send from.
		return c.write(jobStatus(env.Seq, j))

	case wire.TypeUploadData:
		var msg wire.UploadDataMsg
		if err := wire.Unmarshal(env.Body, &msg); err != nil {
			return errs.ErrProtocol
		}
		j, err := c.job(msg.JobID)
		if err != nil {
			return err
		}
		return c.srv.engine.WriteChunk(j, msg.Offset, msg.Data)

	case wire.TypeUploadFinish:
		var msg wire.UploadFinishMsg
		if err := wire.Unmarshal(env.Body, &msg); err != nil {
			return errs.ErrProtocol
		}
		j, err := c.job(msg.JobID)
		if err != nil {
			return err
		}
		if _, err := c.srv.engine.FinishUpload(j); err != nil {
			return err
		}
		c.srv.index.AddEntry(j.VirtualPath, j.Size)
		return c.write(jobStatus(env.Seq, j))

	case wire.TypeDownloadStart:
		var msg wire.DownloadStartMsg
		if err := wire.Unmarshal(env.Body, &msg); err != nil {
			return errs.ErrProtocol
		}
		if err := c.actor.Require(perm.FileDownload); err != nil {
			return err
		}
		j, err := c.srv.engine.StartDownload(c.acc, c.owner, c.ip, msg.Path, msg.Offset, msg.Hash, "")
		if err != nil {
			return err
		}
		if err := c.srv.engine.Activate(j); err != nil {
			return err
		}
		c.track(j)
		if err := c.write(jobStatus(env.Seq, j)); err != nil {
			return err
		}
		go c.stream(j)
		return nil

	case wire.TypeTransferPause:
		return c.control(env, c.srv.engine.Pause)

	case wire.TypeTransferResume:
		return c.control(env, c.srv.engine.Resume)

	case wire.TypeTransferCancel:
		return c.control(env, c.srv.engine.Cancel)

	case wire.TypeSearch:
		var msg wire.SearchMsg
		if err := wire.Unmarshal(env.Body, &msg); err != nil {
			return errs.ErrProtocol
		}
		if err := c.actor.Require(perm.FileSearch); err != nil {
			return err
		}
		hits, err := c.srv.index.Search(msg.Query)
		if err != nil {
			return err
		}
		paths := make([]string, 0, len(hits))
		for _, h := range hits {
			paths = append(paths, h.VirtualPath)
		}
		reply, err := wire.NewEnvelope(wire.TypeSearchResult, env.Seq, wire.SearchResultMsg{Paths: paths})
		if err != nil {
			return err
		}
		return c.write(reply)

	case wire.TypeFileDelete:
		var msg wire.FileDeleteMsg
		if err := wire.Unmarshal(env.Body, &msg); err != nil {
			return errs.ErrProtocol
		}
		if err := c.actor.Require(perm.FileDelete); err != nil {
			return err
		}
		res, err := c.srv.res.ResolveForDownload(c.acc, msg.Path)
		if err != nil {
			return err
		}
		if err := c.srv.index.RemoveOS(res.Phys, msg.Path); err != nil {
			return err
		}
		c.srv.log.Info("file deleted", zap.String("path", msg.Path), zap.String("by", c.acc.Username))
		return c.writeOK(env.Seq)

	case wire.TypeFileRename:
		var msg wire.FileRenameMsg
		if err := wire.Unmarshal(env.Body, &msg); err != nil {
			return errs.ErrProtocol
		}
		if err := c.actor.Require(perm.FileRename); err != nil {
			return err
		}
		return c.rename(env.Seq, msg)

	case wire.TypeFileMkdir:
		var msg wire.FileMkdirMsg
		if err := wire.Unmarshal(env.Body, &msg); err != nil {
			return errs.ErrProtocol
		}
		if err := c.actor.Require(perm.FileMkdir); err != nil {
			return err
		}
		res, err := c.srv.res.Resolve(c.acc, msg.Path)
		if err != nil {
			return err
		}
		if !res.CanBrowse(c.acc) {
			return errs.ErrPermissionDenied
		}
		if _, err := os.Stat(res.Phys); err == nil {
			return errs.ErrAlreadyExists
		}
		if err := os.Mkdir(res.Phys, 0o755); err != nil {
			return err
		}
		return c.writeOK(env.Seq)

	default:
		return fmt.Errorf("%w: unexpected message type %d", errs.ErrProtocol, env.Type)
	}
}

func (c *conn) writeOK(seq uint32) error {
	env, _ := wire.NewEnvelope(wire.TypeOK, seq, nil)
	return c.write(env)
}

func (c *conn) control(env wire.Envelope, op func(id, requester uuid.UUID, admin bool) error) error {
	var msg wire.JobControlMsg
	if err := wire.Unmarshal(env.Body, &msg); err != nil {
		return errs.ErrProtocol
	}
	j, err := c.job(msg.JobID)
	if err != nil {
		return err
	}
	if err := op(j.ID, c.owner, c.actor.Admin); err != nil {
		return err
	}
	return c.writeOK(env.Seq)
}

// rename moves a file or plain directory within its parent. The new name
// must be a single path component; the folder-type suffix convention is a
// server-side concern, so names carrying a type token are rejected.
func (c *conn) rename(seq uint32, msg wire.FileRenameMsg) error {
	if msg.NewName == "" || strings.ContainsAny(msg.NewName, `/\`) || msg.NewName == ".." {
		return fmt.Errorf("%w: bad name", errs.ErrValidation)
	}
	if _, ftype, _ := vfs.ParseFolderName(msg.NewName); ftype != model.FolderPlain {
		return fmt.Errorf("%w: reserved name", errs.ErrValidation)
	}
	res, err := c.srv.res.Resolve(c.acc, msg.Path)
	if err != nil {
		return err
	}
	if !res.CanBrowse(c.acc) {
		return errs.ErrPermissionDenied
	}
	if _, err := os.Stat(res.Phys); err != nil {
		return errs.ErrNotFound
	}
	dest := filepath.Join(filepath.Dir(res.Phys), msg.NewName)
	if _, err := os.Stat(dest); err == nil {
		return errs.ErrAlreadyExists
	}
	if err := os.Rename(res.Phys, dest); err != nil {
		return err
	}
	c.srv.log.Info("renamed", zap.String("path", msg.Path), zap.String("to", msg.NewName), zap.String("by", c.acc.Username))
	return c.writeOK(seq)
}

// stream pushes download chunks until the job reaches a terminal state. Runs
// on its own goroutine; pause blocks inside ReadChunk, cancel surfaces as a
// job-state error.
func (c *conn) stream(j *transfer.Job) {
	buf := make([]byte, wire.ChunkSize)
	for {
		n, offset, done, err := c.srv.engine.ReadChunk(j, buf)
		if err != nil {
			c.writeErr(0, err)
			return
		}
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			env, encErr := wire.NewEnvelope(wire.TypeDownloadData, 0, wire.DownloadDataMsg{
				JobID:  j.ID.String(),
				Offset: offset,
				Data:   data,
			})
			if encErr != nil {
				return
			}
			if c.write(env) != nil {
				c.srv.engine.Interrupt(j.ID, c.owner, true)
				return
			}
		}
		if done {
			env, _ := wire.NewEnvelope(wire.TypeDownloadDone, 0, wire.DownloadDoneMsg{
				JobID: j.ID.String(),
				Hash:  j.FinalHash(),
			})
			c.write(env)
			return
		}
	}
}

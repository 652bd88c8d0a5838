package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"

	"github.com/umputun/s3sftp/objectstore"
)

// sftpHandlers implements sftp.Handlers for one authenticated session:
// every verb is translated into a path-map lookup, a policy check, and an
// object-store call.
type sftpHandlers struct {
	gw   *SFTPGateway
	sess *session
}

// Fileread implements sftp.FileReader (OPEN for READ).
func (h *sftpHandlers) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	h.gw.sessions.RecordActivity(h.sess.username)
	vpath := r.Filepath

	if !h.gw.policy.Admitted(h.sess.username, vpath) {
		h.gw.events.Emit(Event{Type: EventClientError, Username: h.sess.username, SessionID: h.sess.sessionID, Path: vpath, Err: errNotAdmitted})
		return nil, sftp.ErrSSHFxPermissionDenied
	}
	key, err := h.gw.pathMapper.Map(h.sess.homePrefix, vpath)
	if err != nil {
		return nil, sftp.ErrSSHFxPermissionDenied
	}

	rh, err := openForRead(context.Background(), h.gw.store, vpath, key)
	switch {
	case errors.Is(err, errNoSuchFile):
		return nil, sftp.ErrSSHFxNoSuchFile
	case err != nil:
		h.gw.events.Emit(Event{Type: EventClientError, Username: h.sess.username, SessionID: h.sess.sessionID, Path: vpath, Err: err})
		return nil, sftp.ErrSSHFxFailure
	}

	rh.table = h.sess.handles
	rh.wire = h.sess.handles.putRead(rh)
	h.gw.events.Emit(Event{Type: EventFileDownloaded, Username: h.sess.username, SessionID: h.sess.sessionID, Path: vpath})
	return rh, nil
}

// Filewrite implements sftp.FileWriter (OPEN for WRITE).
// Validation of the file-type policy and emptiness is deferred to CLOSE
// (writeHandle.Close): buffer first, validate and upload once the client
// signals it is done writing.
func (h *sftpHandlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	h.gw.sessions.RecordActivity(h.sess.username)
	vpath := r.Filepath

	if IsProtectedPath(h.sess.username, vpath) || !h.gw.policy.Admitted(h.sess.username, vpath) {
		h.gw.events.Emit(Event{Type: EventClientError, Username: h.sess.username, SessionID: h.sess.sessionID, Path: vpath, Err: errNotAdmitted})
		return nil, sftp.ErrSSHFxPermissionDenied
	}
	key, err := h.gw.pathMapper.Map(h.sess.homePrefix, vpath)
	if err != nil {
		return nil, sftp.ErrSSHFxPermissionDenied
	}

	wh := newWriteHandle(vpath, key, h.sess.username, h.sess.sessionID, h.gw.store, h.gw.events, h.gw.cache)
	wh.table = h.sess.handles
	wh.wire = h.sess.handles.putWrite(wh)
	return wh, nil
}

// Filecmd implements sftp.FileCmder: REMOVE, RENAME, MKDIR, RMDIR, SETSTAT
//.
func (h *sftpHandlers) Filecmd(r *sftp.Request) error {
	h.gw.sessions.RecordActivity(h.sess.username)
	switch r.Method {
	case "Remove":
		return h.gw.remove(h.sess, r.Filepath)
	case "Rename":
		return h.gw.rename(h.sess, r.Filepath, r.Target)
	case "Mkdir":
		return h.gw.mkdir(h.sess, r.Filepath)
	case "Rmdir":
		return h.gw.rmdir(h.sess, r.Filepath)
	case "Setstat":
		// attribute changes are accepted but not persisted - the object
		// store has no mode/mtime to set.
		return nil
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

// Filelist implements sftp.FileLister: LIST, STAT, LSTAT. READLINK is unsupported - the gateway has no symlink concept.
func (h *sftpHandlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	h.gw.sessions.RecordActivity(h.sess.username)
	switch r.Method {
	case "List":
		return h.gw.listDirectory(h.sess, r.Filepath)
	case "Stat", "Lstat":
		return h.gw.statPath(h.sess, r.Filepath)
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

var errNotAdmitted = fmt.Errorf("path not admitted by access policy")

// remove implements REMOVE: delete a single object.
func (s *SFTPGateway) remove(sess *session, vpath string) error {
	if IsProtectedPath(sess.username, vpath) {
		s.events.Emit(Event{Type: EventProtectedDirectoryDeletionBlocked, Username: sess.username, SessionID: sess.sessionID, Path: vpath})
		return sftp.ErrSSHFxPermissionDenied
	}
	if !s.policy.Admitted(sess.username, vpath) {
		return sftp.ErrSSHFxPermissionDenied
	}

	key, err := s.pathMapper.Map(sess.homePrefix, vpath)
	if err != nil {
		return sftp.ErrSSHFxPermissionDenied
	}

	ctx := context.Background()
	if err := s.store.Delete(ctx, key); err != nil {
		s.events.Emit(Event{Type: EventClientError, Username: sess.username, SessionID: sess.sessionID, Path: vpath, Err: err})
		return sftp.ErrSSHFxFailure
	}

	s.cache.invalidate(parentPrefix(key))
	s.events.Emit(Event{Type: EventFileDeleted, Username: sess.username, SessionID: sess.sessionID, Path: vpath})
	s.events.Emit(Event{Type: EventDirectoryChanged, Username: sess.username, SessionID: sess.sessionID, Path: parentVirtualPath(vpath)})
	return nil
}

// mkdir implements MKDIR: directory layout is owned by the system, not the
// client, so every MKDIR is rejected unconditionally regardless of path.
func (s *SFTPGateway) mkdir(sess *session, vpath string) error {
	s.events.Emit(Event{Type: EventDirectoryCreationBlocked, Username: sess.username, SessionID: sess.sessionID, Path: vpath})
	return sftp.ErrSSHFxPermissionDenied
}

// rmdir implements RMDIR: directory layout is owned by the system, not the
// client, so every RMDIR is rejected unconditionally regardless of path.
func (s *SFTPGateway) rmdir(sess *session, vpath string) error {
	s.events.Emit(Event{Type: EventDirectoryDeletionBlocked, Username: sess.username, SessionID: sess.sessionID, Path: vpath})
	return sftp.ErrSSHFxPermissionDenied
}

// rename implements RENAME. The object store has no native
// rename, so a file moves as a single COPY+DELETE pair, and a directory
// moves as a COPY+DELETE per key sharing its prefix.
func (s *SFTPGateway) rename(sess *session, oldVpath, newVpath string) error {
	if IsProtectedPath(sess.username, oldVpath) || IsProtectedPath(sess.username, newVpath) {
		s.events.Emit(Event{Type: EventProtectedDirectoryRenameBlocked, Username: sess.username, SessionID: sess.sessionID, Path: oldVpath})
		return sftp.ErrSSHFxPermissionDenied
	}
	if !s.policy.Admitted(sess.username, oldVpath) || !s.policy.Admitted(sess.username, newVpath) {
		return sftp.ErrSSHFxPermissionDenied
	}

	oldKey, err := s.pathMapper.Map(sess.homePrefix, oldVpath)
	if err != nil {
		return sftp.ErrSSHFxPermissionDenied
	}
	newKey, err := s.pathMapper.Map(sess.homePrefix, newVpath)
	if err != nil {
		return sftp.ErrSSHFxPermissionDenied
	}

	ctx := context.Background()
	objs, err := s.store.List(ctx, oldKey)
	if err != nil {
		s.events.Emit(Event{Type: EventClientError, Username: sess.username, SessionID: sess.sessionID, Path: oldVpath, Err: err})
		return sftp.ErrSSHFxFailure
	}

	var toMove []objectstore.ObjectSummary
	for _, o := range objs {
		if o.Key == oldKey || strings.HasPrefix(o.Key, oldKey+"/") {
			toMove = append(toMove, o)
		}
	}
	if len(toMove) == 0 {
		return sftp.ErrSSHFxNoSuchFile
	}

	for _, o := range toMove {
		dst := newKey + strings.TrimPrefix(o.Key, oldKey)
		if err := s.store.Copy(ctx, o.Key, dst); err != nil {
			s.events.Emit(Event{Type: EventClientError, Username: sess.username, SessionID: sess.sessionID, Path: newVpath, Err: err})
			return sftp.ErrSSHFxFailure
		}
	}
	for _, o := range toMove {
		if err := s.store.Delete(ctx, o.Key); err != nil {
			s.events.Emit(Event{Type: EventClientError, Username: sess.username, SessionID: sess.sessionID, Path: oldVpath, Err: err})
			return sftp.ErrSSHFxFailure
		}
	}

	s.cache.invalidate(parentPrefix(oldKey))
	s.cache.invalidate(parentPrefix(newKey))
	s.events.Emit(Event{Type: EventFileRenamed, Username: sess.username, SessionID: sess.sessionID, Path: newVpath})
	s.events.Emit(Event{Type: EventDirectoryChanged, Username: sess.username, SessionID: sess.sessionID, Path: parentVirtualPath(oldVpath)})
	s.events.Emit(Event{Type: EventDirectoryChanged, Username: sess.username, SessionID: sess.sessionID, Path: parentVirtualPath(newVpath)})
	return nil
}

// listDirectory implements OPENDIR+READDIR: the root
// is a synthetic three-entry listing, everything else is a LIST through
// buildNamespaceView, cached and staleness-checked.
func (s *SFTPGateway) listDirectory(sess *session, vpath string) (sftp.ListerAt, error) {
	if !s.policy.Admitted(sess.username, vpath) {
		return nil, sftp.ErrSSHFxPermissionDenied
	}

	norm := normalizeVirtualPath(vpath)
	if norm == "/" {
		dh := &dirHandle{objectPrefix: sess.homePrefix, virtualPath: "/", listings: virtualRootEntries(sess.username), user: sess.username, table: sess.handles}
		dh.wire = sess.handles.putDir(dh)
		return dh, nil
	}

	key, err := s.pathMapper.Map(sess.homePrefix, vpath)
	if err != nil {
		return nil, sftp.ErrSSHFxPermissionDenied
	}

	entries, err := s.listWithStalenessFallback(key)
	if err != nil {
		s.events.Emit(Event{Type: EventClientError, Username: sess.username, SessionID: sess.sessionID, Path: vpath, Err: err})
		return nil, sftp.ErrSSHFxFailure
	}

	dh := &dirHandle{objectPrefix: key, virtualPath: norm, listings: entries, user: sess.username, table: sess.handles}
	dh.wire = sess.handles.putDir(dh)
	return dh, nil
}

// listWithStalenessFallback implements 's eventual-consistency
// handling: if a PUT completed anywhere in the process within the last
// StalenessWindow, sleep one second and relist once before trusting the
// result. A zero StalenessWindow (as tests set) skips
// the fallback entirely.
func (s *SFTPGateway) listWithStalenessFallback(prefix string) ([]Entry, error) {
	load := func() ([]objectstore.ObjectSummary, error) {
		return s.store.List(context.Background(), prefix)
	}

	objs, err := s.cache.list(prefix, load)
	if err != nil {
		return nil, err
	}

	if window := s.config.StalenessWindow; window > 0 {
		if last := s.store.LastUploadAt(); !last.IsZero() {
			if time.Since(last) < window {
				time.Sleep(time.Second)
				s.cache.invalidate(prefix)
				objs, err = s.cache.list(prefix, load)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	return buildNamespaceView(prefix, objs), nil
}

// statPath implements STAT/LSTAT: resolve a single entry by
// listing its parent and matching on name, with the virtual root and its
// three synthetic children handled directly.
func (s *SFTPGateway) statPath(sess *session, vpath string) (sftp.ListerAt, error) {
	if !s.policy.Admitted(sess.username, vpath) {
		return nil, sftp.ErrSSHFxPermissionDenied
	}

	norm := normalizeVirtualPath(vpath)
	if norm == "/" {
		return &dirListerAt{infos: entryFileInfos([]Entry{{Name: "/", IsDir: true}})}, nil
	}

	parentVPath := parentVirtualPath(norm)
	name := norm[strings.LastIndex(norm, "/")+1:]

	if parentVPath == "/" && (name == sess.username || containsString(virtualAliases, name)) {
		return &dirListerAt{infos: entryFileInfos([]Entry{{Name: name, IsDir: true}})}, nil
	}

	parentKey, err := s.pathMapper.Map(sess.homePrefix, parentVPath)
	if err != nil {
		return nil, sftp.ErrSSHFxPermissionDenied
	}

	entries, err := s.listWithStalenessFallback(parentKey)
	if err != nil {
		return nil, sftp.ErrSSHFxFailure
	}
	for _, e := range entries {
		if e.Name == name {
			return &dirListerAt{infos: entryFileInfos([]Entry{e})}, nil
		}
	}
	return nil, sftp.ErrSSHFxNoSuchFile
}

// dirListerAt implements sftp.ListerAt for a single-shot STAT/LSTAT reply.
type dirListerAt struct {
	infos []os.FileInfo
}

func (l *dirListerAt) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l.infos)) {
		return 0, io.EOF
	}
	n := copy(ls, l.infos[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}

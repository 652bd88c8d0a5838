package server

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/s3sftp/objectstore"
)

func newTestGateway(t *testing.T) (*SFTPGateway, objectstore.Client) {
	t.Helper()
	store := objectstore.NewMemClient()
	cache, err := newListingCache()
	require.NoError(t, err)
	events := newEventBus()
	t.Cleanup(events.Close)

	cfg := DefaultConfig()
	cfg.StalenessWindow = 0 // tests assert on immediate List/Stat results, not the eventual-consistency fallback

	gw := &SFTPGateway{
		config:     cfg,
		store:      store,
		pathMapper: newPathMapper("users"),
		policy:     newAccessPolicy(nil),
		sessions:   newSessionManager(0, events),
		auth:       newAuthAdapter(store, "users", false, nil),
		events:     events,
		cache:      cache,
		ipAttempts: make(map[string]ipAttemptsInfo),
	}
	return gw, store
}

func newTestSession(username string) *session {
	return &session{
		username:   username,
		homePrefix: "users/" + username,
		handles:    newHandleTable(),
		close:      func() {},
	}
}

func TestSFTPHandlers_Fileread_Success(t *testing.T) {
	gw, store := newTestGateway(t)
	require.NoError(t, store.Put(context.Background(), "users/alice/ledgers/jan.pdf", bytes.NewReader([]byte("hi")), 2, "application/pdf"))

	sess := newTestSession("alice")
	h := &sftpHandlers{gw: gw, sess: sess}

	r := &sftp.Request{Filepath: "/ledgers/jan.pdf"}
	ra, err := h.Fileread(r)
	require.NoError(t, err)
	require.NotNil(t, ra)

	buf := make([]byte, 2)
	n, err := ra.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
}

func TestSFTPHandlers_Fileread_NotFound(t *testing.T) {
	gw, _ := newTestGateway(t)
	sess := newTestSession("alice")
	h := &sftpHandlers{gw: gw, sess: sess}

	_, err := h.Fileread(&sftp.Request{Filepath: "/ledgers/missing.pdf"})
	assert.ErrorIs(t, err, sftp.ErrSSHFxNoSuchFile)
}

func TestSFTPHandlers_Filewrite_ProtectedPathDenied(t *testing.T) {
	gw, _ := newTestGateway(t)
	sess := newTestSession("alice")
	h := &sftpHandlers{gw: gw, sess: sess}

	_, err := h.Filewrite(&sftp.Request{Filepath: "/ledgers"})
	assert.ErrorIs(t, err, sftp.ErrSSHFxPermissionDenied)
}

func TestSFTPHandlers_Filewrite_Success(t *testing.T) {
	gw, store := newTestGateway(t)
	sess := newTestSession("alice")
	h := &sftpHandlers{gw: gw, sess: sess}

	wa, err := h.Filewrite(&sftp.Request{Filepath: "/ledgers/feb.pdf"})
	require.NoError(t, err)

	_, err = wa.WriteAt([]byte("data"), 0)
	require.NoError(t, err)
	require.NoError(t, wa.(*writeHandle).Close())

	_, ok, err := store.Head(context.Background(), "users/alice/ledgers/feb.pdf")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSFTPGateway_Remove(t *testing.T) {
	gw, store := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "users/alice/alice/archive/note.txt", bytes.NewReader([]byte("x")), 1, ""))

	sess := newTestSession("alice")
	err := gw.remove(sess, "/alice/archive/note.txt")
	require.NoError(t, err)

	_, ok, err := store.Head(ctx, "users/alice/alice/archive/note.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSFTPGateway_Remove_ProtectedPathBlocked(t *testing.T) {
	gw, _ := newTestGateway(t)
	sess := newTestSession("alice")
	err := gw.remove(sess, "/ledgers")
	assert.ErrorIs(t, err, sftp.ErrSSHFxPermissionDenied)
}

func TestSFTPGateway_Mkdir_AlwaysDenied(t *testing.T) {
	gw, store := newTestGateway(t)
	sess := newTestSession("alice")

	var got []Event
	gw.events.Subscribe(SubscriberFunc(func(e Event) { got = append(got, e) }))

	err := gw.mkdir(sess, "/archive/new")
	assert.ErrorIs(t, err, sftp.ErrSSHFxPermissionDenied)

	_, ok, headErr := store.Head(context.Background(), "users/alice/archive/new/.directory")
	require.NoError(t, headErr)
	assert.False(t, ok, "mkdir must never write to the store")

	require.Eventually(t, func() bool { return len(got) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, EventDirectoryCreationBlocked, got[0].Type)
}

func TestSFTPGateway_Mkdir_ProtectedPathAlsoDenied(t *testing.T) {
	gw, _ := newTestGateway(t)
	sess := newTestSession("alice")
	err := gw.mkdir(sess, "/ledgers")
	assert.ErrorIs(t, err, sftp.ErrSSHFxPermissionDenied)
}

func TestSFTPGateway_Rmdir_AlwaysDenied(t *testing.T) {
	gw, store := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "users/alice/archive/.directory", bytes.NewReader(nil), 0, ""))

	sess := newTestSession("alice")

	var got []Event
	gw.events.Subscribe(SubscriberFunc(func(e Event) { got = append(got, e) }))

	err := gw.rmdir(sess, "/archive")
	assert.ErrorIs(t, err, sftp.ErrSSHFxPermissionDenied)

	_, ok, headErr := store.Head(ctx, "users/alice/archive/.directory")
	require.NoError(t, headErr)
	assert.True(t, ok, "rmdir must never delete from the store")

	require.Eventually(t, func() bool { return len(got) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, EventDirectoryDeletionBlocked, got[0].Type)
}

func TestSFTPGateway_Rmdir_ProtectedPathAlsoDenied(t *testing.T) {
	gw, _ := newTestGateway(t)
	sess := newTestSession("alice")
	err := gw.rmdir(sess, "/invoices")
	assert.ErrorIs(t, err, sftp.ErrSSHFxPermissionDenied)
}

func TestSFTPGateway_Rename_File(t *testing.T) {
	gw, store := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "users/alice/alice/archive/old.txt", bytes.NewReader([]byte("x")), 1, ""))

	sess := newTestSession("alice")
	require.NoError(t, gw.rename(sess, "/alice/archive/old.txt", "/alice/archive/new.txt"))

	_, ok, err := store.Head(ctx, "users/alice/alice/archive/old.txt")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = store.Head(ctx, "users/alice/alice/archive/new.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSFTPGateway_Rename_Directory(t *testing.T) {
	gw, store := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "users/alice/archive/.directory", bytes.NewReader(nil), 0, ""))
	require.NoError(t, store.Put(ctx, "users/alice/archive/a.txt", bytes.NewReader([]byte("x")), 1, ""))

	sess := newTestSession("alice")
	require.NoError(t, gw.rename(sess, "/archive", "/moved"))

	_, ok, err := store.Head(ctx, "users/alice/moved/.directory")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = store.Head(ctx, "users/alice/moved/a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = store.Head(ctx, "users/alice/archive/a.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSFTPGateway_Rename_ProtectedPathBlocked(t *testing.T) {
	gw, _ := newTestGateway(t)
	sess := newTestSession("alice")
	err := gw.rename(sess, "/ledgers", "/archive")
	assert.ErrorIs(t, err, sftp.ErrSSHFxPermissionDenied)
}

func TestSFTPGateway_Rename_NoSuchFile(t *testing.T) {
	gw, _ := newTestGateway(t)
	sess := newTestSession("alice")
	err := gw.rename(sess, "/alice/archive/missing.txt", "/alice/archive/new.txt")
	assert.ErrorIs(t, err, sftp.ErrSSHFxNoSuchFile)
}

func TestSFTPGateway_ListDirectory_Root(t *testing.T) {
	gw, _ := newTestGateway(t)
	sess := newTestSession("alice")
	h := &sftpHandlers{gw: gw, sess: sess}

	la, err := h.Filelist(&sftp.Request{Method: "List", Filepath: "/"})
	require.NoError(t, err)

	buf := make([]os.FileInfo, 8)
	n, err := la.ListAt(buf, 0)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 3, n)
}

func TestSFTPGateway_ListDirectory_NonRoot(t *testing.T) {
	gw, store := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "users/alice/ledgers/jan.pdf", bytes.NewReader([]byte("x")), 1, ""))

	sess := newTestSession("alice")
	h := &sftpHandlers{gw: gw, sess: sess}

	la, err := h.Filelist(&sftp.Request{Method: "List", Filepath: "/ledgers"})
	require.NoError(t, err)

	buf := make([]os.FileInfo, 8)
	n, _ := la.ListAt(buf, 0)
	require.Equal(t, 1, n)
	assert.Equal(t, "jan.pdf", buf[0].Name())
}

func TestSFTPGateway_StatPath_Found(t *testing.T) {
	gw, store := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "users/alice/ledgers/jan.pdf", bytes.NewReader([]byte("x")), 1, ""))

	sess := newTestSession("alice")
	h := &sftpHandlers{gw: gw, sess: sess}

	la, err := h.Filelist(&sftp.Request{Method: "Stat", Filepath: "/ledgers/jan.pdf"})
	require.NoError(t, err)

	buf := make([]os.FileInfo, 1)
	n, _ := la.ListAt(buf, 0)
	require.Equal(t, 1, n)
	assert.Equal(t, "jan.pdf", buf[0].Name())
}

func TestSFTPGateway_StatPath_NotFound(t *testing.T) {
	gw, _ := newTestGateway(t)
	sess := newTestSession("alice")
	h := &sftpHandlers{gw: gw, sess: sess}

	_, err := h.Filelist(&sftp.Request{Method: "Lstat", Filepath: "/ledgers/missing.pdf"})
	assert.ErrorIs(t, err, sftp.ErrSSHFxNoSuchFile)
}

func TestSFTPHandlers_Filecmd_UnsupportedMethod(t *testing.T) {
	gw, _ := newTestGateway(t)
	sess := newTestSession("alice")
	h := &sftpHandlers{gw: gw, sess: sess}

	err := h.Filecmd(&sftp.Request{Method: "Symlink", Filepath: "/a", Target: "/b"})
	assert.ErrorIs(t, err, sftp.ErrSSHFxOpUnsupported)
}

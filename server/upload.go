package server

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/umputun/s3sftp/objectstore"
)

// uploadState is the outcome of the asynchronous PUT a write handle
// triggers at CLOSE.
type uploadState int

const (
	uploadPending uploadState = iota
	uploadComplete
	uploadFailed
)

// writeHandle is the per-open file-write state:
// it buffers a client's incremental WRITEs and, at CLOSE, emits a single
// object-store PUT of the full buffer. It implements io.WriterAt and
// io.Closer, so pkg/sftp's RequestServer drives it directly as the handle
// behind a Filewrite OPEN.
type writeHandle struct {
	mu sync.Mutex

	virtualPath string
	objectKey   string
	username    string
	sessionID   string
	wire        string // this handle's slot in the owning session's handleTable

	store  objectstore.Client
	events *eventBus
	cache  *listingCache
	table  *handleTable

	buffer       bytes.Buffer
	expectedNext int64 // next contiguous offset; used to detect non-monotonic writes
	warnedAppend bool
	started      bool

	state uploadState
	err   error

	// done is closed exactly once, when the upload resolves (success or
	// failure). Close waits on it instead of polling.
	done chan struct{}
}

func newWriteHandle(virtualPath, objectKey, username, sessionID string, store objectstore.Client, events *eventBus, cache *listingCache) *writeHandle {
	return &writeHandle{
		virtualPath: virtualPath,
		objectKey:   objectKey,
		username:    username,
		sessionID:   sessionID,
		store:       store,
		events:      events,
		cache:       cache,
		done:        make(chan struct{}),
	}
}

// WriteAt appends bytes to the buffer. Offsets are expected to be
// monotonically increasing starting at 0; the object store
// has no sparse-write support, so any non-monotonic or non-contiguous
// offset is treated as an append, with a single warning logged the first
// time it happens for this handle.
func (h *writeHandle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if off != h.expectedNext && !h.warnedAppend {
		log.Printf("[WARN] SFTP: non-monotonic write offset %d (expected %d) for %s, appending instead", off, h.expectedNext, h.virtualPath)
		h.warnedAppend = true
	}

	n, err := h.buffer.Write(p)
	h.expectedNext = int64(h.buffer.Len())
	return n, err
}

// upload runs the CLOSE-time pipeline: validate, PUT, and
// resolve h.done. It is started from a goroutine so CLOSE's wait is purely
// a channel receive.
func (h *writeHandle) upload(ctx context.Context, store objectstore.Client) {
	h.mu.Lock()
	body := h.buffer.Bytes()
	size := int64(len(body))
	vpath := h.virtualPath
	key := h.objectKey
	h.mu.Unlock()

	var failErr error
	switch {
	case size == 0:
		failErr = fmt.Errorf("empty files not allowed")
	case !AllowedUpload(vpath):
		failErr = fmt.Errorf("only .pdf uploads are allowed under this directory")
	}

	if failErr != nil {
		h.resolve(uploadFailed, failErr)
		return
	}

	contentType := "application/octet-stream"
	if strings.HasSuffix(strings.ToLower(key), ".pdf") {
		contentType = "application/pdf"
	}

	if err := store.Put(ctx, key, bytes.NewReader(body), size, contentType); err != nil {
		h.resolve(uploadFailed, fmt.Errorf("store put failed: %w", err))
		return
	}

	log.Printf("[INFO] SFTP: uploaded %s (%s) to %s", vpath, humanize.Bytes(uint64(size)), key)
	h.resolve(uploadComplete, nil)
}

func (h *writeHandle) resolve(state uploadState, err error) {
	h.mu.Lock()
	h.state = state
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Wait blocks until the upload resolves or ctx is done, whichever comes
// first, and reports the final state and error.
func (h *writeHandle) Wait(ctx context.Context) (uploadState, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return uploadPending, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.err
}

// Close implements io.Closer. pkg/sftp calls it once, on SSH_FXP_CLOSE, and
// will not send the client a status reply until it returns - which is
// exactly the synchronization point the upload-at-close contract requires:
// CLOSE must not report OK until the PUT has resolved.
//
// The PUT itself runs in a detached goroutine against context.Background(),
// not the request's context, so a client disconnect while Close is blocked
// here does not abort the upload; Close keeps waiting until the PUT
// resolves (bounded by the goroutine's 10-minute timeout) and reports the
// outcome on the event bus either way.
func (h *writeHandle) Close() error {
	h.mu.Lock()
	if !h.started {
		h.started = true
		h.mu.Unlock()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			h.upload(ctx, h.store)
		}()
	} else {
		h.mu.Unlock()
	}

	if h.table != nil {
		h.table.release(h.wire)
	}

	state, err := h.Wait(context.Background())
	if state == uploadComplete {
		h.cache.invalidate(parentPrefix(h.objectKey))
		h.events.Emit(Event{Type: EventFileUploaded, Username: h.username, SessionID: h.sessionID, Path: h.virtualPath})
		h.events.Emit(Event{Type: EventDirectoryChanged, Username: h.username, SessionID: h.sessionID, Path: parentVirtualPath(h.virtualPath)})
		return nil
	}
	h.events.Emit(Event{Type: EventUploadError, Username: h.username, SessionID: h.sessionID, Path: h.virtualPath, Err: err})
	return err
}

// parentPrefix returns the object-store prefix of key's parent directory.
func parentPrefix(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return ""
	}
	return key[:idx]
}

// parentVirtualPath returns the virtual path of vpath's parent directory.
func parentVirtualPath(vpath string) string {
	norm := normalizeVirtualPath(vpath)
	idx := strings.LastIndex(norm, "/")
	if idx <= 0 {
		return "/"
	}
	return norm[:idx]
}

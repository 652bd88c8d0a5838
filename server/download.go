package server

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/umputun/s3sftp/objectstore"
)

// readHandle is the per-open file-read state. It
// implements io.ReaderAt and io.Closer, so pkg/sftp's RequestServer drives
// it directly as the handle behind a Fileread OPEN.
type readHandle struct {
	mu sync.Mutex

	virtualPath string
	objectKey   string
	size        int64
	readAtEOF   bool

	store objectstore.Client
	table *handleTable
	wire  string
}

// openForRead implements the OPEN-for-READ half of a file read: LIST with
// the key as prefix, find the exact match, reject if the key looks like a
// directory.
func openForRead(ctx context.Context, store objectstore.Client, virtualPath, objectKey string) (*readHandle, error) {
	objs, err := store.List(ctx, objectKey)
	if err != nil {
		return nil, fmt.Errorf("list for read-open %q: %w", objectKey, err)
	}

	var exact *objectstore.ObjectSummary
	for i := range objs {
		if objs[i].Key == objectKey {
			exact = &objs[i]
			continue
		}
		// a sibling ".directory"/".dir" marker, or any deeper key, means
		// objectKey names a directory, not a file.
		if strings.HasPrefix(objs[i].Key, objectKey+"/") {
			return nil, errNoSuchFile
		}
	}
	if exact == nil {
		return nil, errNoSuchFile
	}

	return &readHandle{virtualPath: virtualPath, objectKey: objectKey, size: exact.Size, store: store}, nil
}

// ReadAt implements io.ReaderAt: EOF bookkeeping against the real io.EOF
// sentinel, clamped length, ranged GET. It uses context.Background()
// internally - pkg/sftp's io.ReaderAt contract carries no context - so a
// download outlives neither more nor less than the handle itself.
func (h *readHandle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.readAtEOF {
		return 0, io.EOF
	}
	if off >= h.size {
		h.readAtEOF = true
		return 0, io.EOF
	}

	length := int64(len(p))
	if off+length > h.size {
		length = h.size - off
	}
	if length <= 0 {
		h.readAtEOF = true
		return 0, io.EOF
	}

	body, err := h.store.Get(context.Background(), h.objectKey, off, length)
	if err != nil {
		return 0, fmt.Errorf("ranged get %q at offset %d: %w", h.objectKey, off, err)
	}
	defer body.Close()

	n := 0
	for int64(n) < length {
		m, rerr := body.Read(p[n:length])
		n += m
		if rerr != nil {
			break
		}
	}

	if off+int64(n) >= h.size {
		h.readAtEOF = true
	}
	return n, nil
}

// Close implements io.Closer, releasing this handle's slot in the owning
// session's handle table.
func (h *readHandle) Close() error {
	if h.table != nil {
		h.table.release(h.wire)
	}
	return nil
}

// errNoSuchFile signals NO_SUCH_FILE without naming the pkg/sftp sentinel
// directly here, so this file stays independent of the wire-protocol
// library; dispatch.go maps it onto sftp.ErrSSHFxNoSuchFile.
var errNoSuchFile = fmt.Errorf("no such file")

package server

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/s3sftp/objectstore"
)

func TestOpenForRead_Found(t *testing.T) {
	store := objectstore.NewMemClient()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "users/alice/ledgers/jan.pdf", bytes.NewReader([]byte("hello")), 5, ""))

	h, err := openForRead(ctx, store, "/ledgers/jan.pdf", "users/alice/ledgers/jan.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(5), h.size)
}

func TestOpenForRead_NotFound(t *testing.T) {
	store := objectstore.NewMemClient()
	_, err := openForRead(context.Background(), store, "/ledgers/missing.pdf", "users/alice/ledgers/missing.pdf")
	assert.ErrorIs(t, err, errNoSuchFile)
}

func TestOpenForRead_RejectsDirectory(t *testing.T) {
	store := objectstore.NewMemClient()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "users/alice/ledgers/.directory", bytes.NewReader(nil), 0, ""))

	_, err := openForRead(ctx, store, "/ledgers", "users/alice/ledgers")
	assert.ErrorIs(t, err, errNoSuchFile)
}

func TestReadHandle_ReadAtClampsAndSetsEOF(t *testing.T) {
	store := objectstore.NewMemClient()
	ctx := context.Background()
	body := []byte("0123456789")
	require.NoError(t, store.Put(ctx, "k", bytes.NewReader(body), int64(len(body)), ""))

	h := &readHandle{objectKey: "k", size: int64(len(body)), store: store}

	buf := make([]byte, 4)
	n, err := h.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "0123", string(buf))
	assert.False(t, h.readAtEOF)

	buf2 := make([]byte, 100)
	n, err = h.ReadAt(buf2, 6)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "6789", string(buf2[:n]))
	assert.True(t, h.readAtEOF)
}

func TestReadHandle_ReadAtOffsetBeyondSizeIsEOF(t *testing.T) {
	store := objectstore.NewMemClient()
	h := &readHandle{objectKey: "k", size: 5, store: store}
	buf := make([]byte, 4)
	_, err := h.ReadAt(buf, 10)
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, h.readAtEOF)
}

func TestReadHandle_SecondReadAfterEOFSkipsStoreCall(t *testing.T) {
	store := objectstore.NewMemClient()
	h := &readHandle{objectKey: "k", size: 5, readAtEOF: true, store: store}
	buf := make([]byte, 4)
	_, err := h.ReadAt(buf, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadHandle_CloseReleasesFromTable(t *testing.T) {
	tbl := newHandleTable()
	h := &readHandle{table: tbl}
	h.wire = tbl.putRead(h)

	require.NoError(t, h.Close())
	_, ok := tbl.getRead(h.wire)
	assert.False(t, ok)
}

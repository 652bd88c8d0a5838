package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/s3sftp/objectstore"
)

func TestListingCache_HitAvoidsSecondCall(t *testing.T) {
	c, err := newListingCache()
	require.NoError(t, err)

	calls := 0
	loader := func() ([]objectstore.ObjectSummary, error) {
		calls++
		return []objectstore.ObjectSummary{{Key: "users/alice/ledgers/jan.pdf"}}, nil
	}

	first, err := c.list("users/alice/ledgers", loader)
	require.NoError(t, err)
	second, err := c.list("users/alice/ledgers", loader)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestListingCache_InvalidateForcesReload(t *testing.T) {
	c, err := newListingCache()
	require.NoError(t, err)

	calls := 0
	loader := func() ([]objectstore.ObjectSummary, error) {
		calls++
		return []objectstore.ObjectSummary{{Key: "users/alice/ledgers/jan.pdf"}}, nil
	}

	_, err = c.list("users/alice/ledgers", loader)
	require.NoError(t, err)
	c.invalidate("users/alice/ledgers")
	_, err = c.list("users/alice/ledgers", loader)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestListingCache_NilCacheAlwaysCallsLoader(t *testing.T) {
	var c *listingCache
	calls := 0
	_, err := c.list("x", func() ([]objectstore.ObjectSummary, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	_, err = c.list("x", func() ([]objectstore.ObjectSummary, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

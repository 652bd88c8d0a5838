package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccessPolicy_Admitted_Defaults(t *testing.T) {
	p := newAccessPolicy(nil)

	admitted := []string{"/", "/ledgers", "/ledgers/jan.pdf", "/invoices/feb.pdf", "/alice", "/alice/notes.txt", "/photo.jpg"}
	for _, path := range admitted {
		assert.True(t, p.Admitted("alice", path), "expected %q admitted", path)
	}
}

func TestAccessPolicy_Admitted_RejectsOutOfScope(t *testing.T) {
	p := newAccessPolicy(nil)
	assert.False(t, p.Admitted("alice", "/bob/ledgers/jan.pdf"))
	assert.False(t, p.Admitted("alice", "/some/nested/path"))
}

func TestAccessPolicy_Admitted_PerUserOverride(t *testing.T) {
	p := newAccessPolicy(map[string][]string{"bob": {"/shared"}})
	assert.True(t, p.Admitted("bob", "/shared"))
	assert.True(t, p.Admitted("bob", "/shared/report.pdf"))
	// bob's override replaces rather than extends the default allow-list,
	// but root-level single-segment and /<user> paths remain admitted.
	assert.True(t, p.Admitted("bob", "/bob"))
	assert.True(t, p.Admitted("bob", "/onefile.txt"))
}

func TestAllowedUpload(t *testing.T) {
	assert.True(t, AllowedUpload("/ledgers/jan.pdf"))
	assert.True(t, AllowedUpload("/ledgers/JAN.PDF"))
	assert.False(t, AllowedUpload("/ledgers/notes.txt"))
	assert.False(t, AllowedUpload("/ledgers"))
	assert.False(t, AllowedUpload("/alice/invoices"))
	assert.True(t, AllowedUpload("/alice/invoices/feb.pdf"))
	assert.True(t, AllowedUpload("/random/notes.txt"))
}

func TestIsProtectedPath(t *testing.T) {
	assert.True(t, IsProtectedPath("alice", "/ledgers"))
	assert.True(t, IsProtectedPath("alice", "/invoices"))
	assert.True(t, IsProtectedPath("alice", "/alice/ledgers"))
	assert.True(t, IsProtectedPath("alice", "/alice/invoices/.directory"))
	assert.True(t, IsProtectedPath("alice", "/ledgers/.dir"))
	assert.False(t, IsProtectedPath("alice", "/ledgers/jan.pdf"))
	assert.False(t, IsProtectedPath("alice", "/alice/notes.txt"))
}

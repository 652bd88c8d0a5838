package server

import (
	"strings"
)

// defaultAllowList is the per-user admitted-prefix list used when no
// per-user override is configured.
var defaultAllowList = []string{"/", "/ledgers", "/invoices"}

// policyDirs are the virtual-path segments subject to the PDF-only
// file-type policy and to protected-path treatment.
var policyDirs = []string{"ledgers", "invoices"}

// accessPolicy enforces the path allow-list, file-type policy, and
// protected-path policy. All three checks are independent; every verb in
// the request router runs the ones its contract names.
type accessPolicy struct {
	defaultAllow []string
	perUser      map[string][]string
}

func newAccessPolicy(perUser map[string][]string) *accessPolicy {
	return &accessPolicy{defaultAllow: defaultAllowList, perUser: perUser}
}

func (p *accessPolicy) allowListFor(username string) []string {
	if list, ok := p.perUser[username]; ok && len(list) > 0 {
		return list
	}
	return p.defaultAllow
}

// Admitted reports whether virtual path p is within username's scope.
func (p *accessPolicy) Admitted(username, vpath string) bool {
	norm := normalizeVirtualPath(vpath)

	for _, prefix := range p.allowListFor(username) {
		if norm == prefix {
			return true
		}
		// the root entry admits "/" itself only, not every path beneath it.
		if base := strings.TrimSuffix(prefix, "/"); base != "" && strings.HasPrefix(norm, base+"/") {
			return true
		}
	}

	if norm == "/"+username || strings.HasPrefix(norm, "/"+username+"/") {
		return true
	}

	// top-level single-segment path, e.g. "/photo.jpg" or "/archive":
	// admitted so root-level uploads are mapped into the user's home.
	if norm != "/" {
		segments := strings.Split(strings.TrimPrefix(norm, "/"), "/")
		if len(segments) == 1 {
			return true
		}
	}

	return false
}

// isPolicyDirPath reports whether vpath is under a ledgers/invoices
// directory, either top-level (/ledgers/...) or user-scoped
// (/<user>/ledgers/...).
func isPolicyDirPath(vpath string) bool {
	norm := normalizeVirtualPath(vpath)
	segments := strings.Split(strings.TrimPrefix(norm, "/"), "/")
	if len(segments) == 0 {
		return false
	}

	if containsString(policyDirs, segments[0]) {
		return true
	}
	// /<user>/ledgers/... or /<user>/invoices/...
	if len(segments) >= 2 && containsString(policyDirs, segments[1]) {
		return true
	}
	return false
}

// AllowedUpload reports whether an OPEN-for-WRITE to vpath passes the
// file-type policy: under a ledgers/invoices directory, only .pdf names are
// allowed, and the directory itself (no filename) is rejected.
func AllowedUpload(vpath string) bool {
	norm := normalizeVirtualPath(vpath)
	if !isPolicyDirPath(norm) {
		return true
	}

	segments := strings.Split(strings.TrimPrefix(norm, "/"), "/")
	name := segments[len(segments)-1]
	if containsString(policyDirs, name) {
		// the write targets the policy directory itself, no filename
		return false
	}
	return strings.HasSuffix(strings.ToLower(name), ".pdf")
}

// protectedPaths returns the set of virtual paths that are immutable for
// username: /ledgers, /invoices, /<user>/ledgers, /<user>/invoices, and
// their .directory markers.
func protectedPaths(username string) []string {
	return []string{
		"/ledgers", "/invoices",
		"/" + username + "/ledgers", "/" + username + "/invoices",
	}
}

// IsProtectedPath reports whether vpath (or its .directory marker) is a
// protected path for username. REMOVE/RENAME/MKDIR/RMDIR targeting these
// are always rejected.
func IsProtectedPath(username, vpath string) bool {
	norm := normalizeVirtualPath(vpath)
	trimmedMarker := strings.TrimSuffix(norm, "/.directory")
	trimmedMarker = strings.TrimSuffix(trimmedMarker, "/.dir")

	for _, protected := range protectedPaths(username) {
		if norm == protected || trimmedMarker == protected {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

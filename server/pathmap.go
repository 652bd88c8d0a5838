package server

import (
	"fmt"
	"strings"
)

// virtualAliases are top-level directory names transparently redirected
// into the user's own home subtree. Order doesn't matter -
// matching is by path-segment, not iteration order.
var virtualAliases = []string{"ledgers", "invoices"}

// normalizeVirtualPath collapses repeated slashes, resolves "." segments,
// converts backslashes to forward slashes, and guarantees a leading "/".
// An empty or relative input is treated as "/". It never resolves ".."
// (callers that need traversal protection check for literal ".." segments
// themselves - see pathMapper.Map).
func normalizeVirtualPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	segments := strings.Split(p, "/")
	cleaned := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		default:
			cleaned = append(cleaned, seg)
		}
	}
	if len(cleaned) == 0 {
		return "/"
	}
	return "/" + strings.Join(cleaned, "/")
}

// pathMapper implements the bidirectional mapping between SFTP virtual
// paths and object-store keys.
type pathMapper struct {
	userBasePath string
}

func newPathMapper(userBasePath string) *pathMapper {
	return &pathMapper{userBasePath: userBasePath}
}

// homePrefix returns "<userBasePath>/<username>" for a user.
func (m *pathMapper) homePrefix(username string) string {
	return m.userBasePath + "/" + username
}

// Map translates a virtual path into an object-store key under the given
// user's home prefix, rewriting the virtual aliases (/ledgers, /invoices)
// onto the user's own subtree.
func (m *pathMapper) Map(homePrefix, virtualPath string) (string, error) {
	norm := normalizeVirtualPath(virtualPath)

	// reject any literal ".." component that survived normalization from a
	// relative path trying to climb out of the user's tree.
	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path traversal not permitted: %s", virtualPath)
		}
	}

	for _, alias := range virtualAliases {
		if norm == "/"+alias || strings.HasPrefix(norm, "/"+alias+"/") {
			return homePrefix + norm, nil
		}
	}

	return homePrefix + norm, nil
}

// DisplayName returns the relative name a key should be shown as under a
// given listing prefix, e.g. "users/alice/ledgers/jan.pdf" under prefix
// "users/alice/ledgers" becomes "jan.pdf".
func (m *pathMapper) DisplayName(key, prefix string) string {
	rel := strings.TrimPrefix(key, prefix)
	return strings.TrimPrefix(rel, "/")
}

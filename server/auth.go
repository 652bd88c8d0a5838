package server

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/umputun/s3sftp/objectstore"
)

// authAdapter handles password authentication against the object store's
// credential registry, and home-tree provisioning on first successful
// login. The credential probe (HEAD auth/<user>_<pass>) is insecure in the
// abstract - passwords end up in object keys and access logs - but swapping
// in a salted-hash credential service would change the registry, not this
// adapter's contract.
type authAdapter struct {
	store        objectstore.Client
	userBasePath string

	createDefaultSubdirs bool
	defaultSubdirs       []string
}

func newAuthAdapter(store objectstore.Client, userBasePath string, createDefaultSubdirs bool, defaultSubdirs []string) *authAdapter {
	return &authAdapter{
		store:                store,
		userBasePath:         userBasePath,
		createDefaultSubdirs: createDefaultSubdirs,
		defaultSubdirs:       defaultSubdirs,
	}
}

// Authenticate consults the external registry keyed by auth/<user>_<pass>.
// Presence of the key means success; NotFound means failure; any other
// store error is also treated as failure, logged for the operator.
func (a *authAdapter) Authenticate(ctx context.Context, user, pass string) bool {
	key := fmt.Sprintf("auth/%s_%s", user, pass)
	_, ok, err := a.store.Head(ctx, key)
	if err != nil {
		log.Printf("[WARN] auth registry lookup failed for user %s: %v", user, err)
		return false
	}
	return ok
}

// ProvisionHome ensures the user's home subtree is usable. The home
// directory itself is virtual - no marker object is written for it - but
// when CreateDefaultSubdirs is enabled, a .directory marker is written for
// each configured default subdirectory (invoices, ledgers by default).
func (a *authAdapter) ProvisionHome(ctx context.Context, user string) error {
	if !a.createDefaultSubdirs {
		return nil
	}

	homePrefix := a.userBasePath + "/" + user
	for _, name := range a.defaultSubdirs {
		markerKey := homePrefix + "/" + name + "/.directory"
		if _, exists, err := a.store.Head(ctx, markerKey); err == nil && exists {
			continue
		}
		body := fmt.Sprintf("Directory marker for %s folder", name)
		if err := a.store.Put(ctx, markerKey, strings.NewReader(body), int64(len(body)), "application/x-directory"); err != nil {
			return fmt.Errorf("provision default subdirectory %q for user %s: %w", name, user, err)
		}
	}
	return nil
}

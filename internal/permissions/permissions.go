// Package permissions decides who may append to feeds and read other users'
// permissions. The table lives in the kv store so the CLI can edit it while
// the backend runs; the backend re-reads it periodically.
package permissions

import (
	"context"
	"fmt"
	"sync"

	"github.com/rzbill/relay/internal/kv"
	logpkg "github.com/rzbill/relay/pkg/log"
)

// Key is the kv name of the permissions table.
const Key = "_relay_user_permissions"

// FeedPermissions are per-feed grants.
type FeedPermissions struct {
	Append bool `json:"append"`
}

// UserPermissions are one user's grants.
type UserPermissions struct {
	Admin            bool                       `json:"admin,omitempty"`
	AppendToAllFeeds bool                       `json:"appendToAllFeeds,omitempty"`
	Feeds            map[string]FeedPermissions `json:"feeds,omitempty"`
}

// Table maps user ids to their permissions.
type Table map[string]UserPermissions

// Authorizer answers permission questions from a cached copy of the table.
type Authorizer struct {
	store       *kv.Store
	adminUserID string
	policy      policy
	logger      logpkg.Logger

	mu    sync.RWMutex
	table Table
}

// New compiles policyExpr (empty disables it) and loads the table.
func New(ctx context.Context, store *kv.Store, adminUserID, policyExpr string, logger logpkg.Logger) (*Authorizer, error) {
	p, err := compilePolicy(policyExpr)
	if err != nil {
		return nil, fmt.Errorf("permissions: append policy: %w", err)
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	a := &Authorizer{
		store:       store,
		adminUserID: adminUserID,
		policy:      p,
		logger:      logger.With(logpkg.Component("permissions")),
		table:       Table{},
	}
	if err := a.Refresh(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Refresh reloads the table from the kv store.
func (a *Authorizer) Refresh(ctx context.Context) error {
	t := Table{}
	if _, err := a.store.Get(ctx, Key, &t); err != nil {
		return fmt.Errorf("permissions: load: %w", err)
	}
	a.mu.Lock()
	a.table = t
	a.mu.Unlock()
	a.logger.Debug("permissions.refreshed", logpkg.Int("users", len(t)))
	return nil
}

// Get returns userID's permissions; unknown users get none.
func (a *Authorizer) Get(userID string) UserPermissions {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.table[userID]
}

// IsAdmin reports the admin flag or the configured admin user.
func (a *Authorizer) IsAdmin(userID string) bool {
	if userID == "" {
		return false
	}
	if a.adminUserID != "" && userID == a.adminUserID {
		return true
	}
	return a.Get(userID).Admin
}

// CanAppend reports whether authUserID may append to feedID. Anonymous
// callers never may.
func (a *Authorizer) CanAppend(authUserID, feedID, subfeedHash string) bool {
	if authUserID == "" {
		return false
	}
	p := a.Get(authUserID)
	if p.AppendToAllFeeds || p.Feeds[feedID].Append {
		return true
	}
	return a.policy.allows(policyInput{
		UserID:      authUserID,
		FeedID:      feedID,
		SubfeedHash: subfeedHash,
		Admin:       a.IsAdmin(authUserID),
	})
}

// CanGetPermissions allows users to read their own permissions and admins
// to read anyone's.
func (a *Authorizer) CanGetPermissions(authUserID, userID string) bool {
	if authUserID == "" {
		return false
	}
	return authUserID == userID || a.IsAdmin(authUserID)
}

// Update edits one user's entry in the stored table and refreshes the cache.
func (a *Authorizer) Update(ctx context.Context, userID string, fn func(*UserPermissions)) (UserPermissions, error) {
	p, err := Update(ctx, a.store, userID, fn)
	if err != nil {
		return p, err
	}
	return p, a.Refresh(ctx)
}

// Update edits one user's entry directly in the kv store.
func Update(ctx context.Context, store *kv.Store, userID string, fn func(*UserPermissions)) (UserPermissions, error) {
	if userID == "" {
		return UserPermissions{}, fmt.Errorf("permissions: user id is required")
	}
	t, err := kv.Update(ctx, store, Key, func(t *Table) error {
		if *t == nil {
			*t = Table{}
		}
		p := (*t)[userID]
		fn(&p)
		(*t)[userID] = p
		return nil
	})
	if err != nil {
		return UserPermissions{}, err
	}
	return t[userID], nil
}

// Load reads one user's entry directly from the kv store.
func Load(ctx context.Context, store *kv.Store, userID string) (UserPermissions, error) {
	t := Table{}
	if _, err := store.Get(ctx, Key, &t); err != nil {
		return UserPermissions{}, err
	}
	return t[userID], nil
}

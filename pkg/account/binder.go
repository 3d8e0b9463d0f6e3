package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gematik/zero-login/pkg/claims"
	"golang.org/x/sync/singleflight"
)

// RefreshPolicy decides whether attributes of known users are updated on
// login.
type RefreshPolicy int

const (
	RefreshOnCreation RefreshPolicy = iota
	RefreshAlways
)

func (p RefreshPolicy) String() string {
	if p == RefreshAlways {
		return "always"
	}
	return "on_creation"
}

type BindResult struct {
	UserID  string
	Created bool
}

// Binder maps an external identity to a local user, creating the user on
// first login.
type Binder struct {
	links  LinkStore
	users  UserStore
	policy func() RefreshPolicy
	now    func() time.Time
	group  singleflight.Group
}

func NewBinder(links LinkStore, users UserStore, policy func() RefreshPolicy) *Binder {
	if policy == nil {
		policy = func() RefreshPolicy { return RefreshOnCreation }
	}
	return &Binder{
		links:  links,
		users:  users,
		policy: policy,
		now:    time.Now,
	}
}

// bindTimeout bounds a bind shared by concurrent logins. The shared work
// does not inherit the cancellation of the login that started it.
const bindTimeout = 30 * time.Second

// Bind returns the local user of (providerID, subject). Concurrent first
// logins of the same identity create a single user: within this process
// they are collapsed, across processes the link store's uniqueness decides.
func (b *Binder) Bind(ctx context.Context, providerID, subject string, attrs claims.Attributes) (BindResult, error) {
	if providerID == "" || subject == "" {
		return BindResult{}, fmt.Errorf("provider and subject are required")
	}

	leader := false
	ch := b.group.DoChan(providerID+"\x00"+subject, func() (any, error) {
		leader = true
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), bindTimeout)
		defer cancel()
		return b.bind(shared, providerID, subject, attrs)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return BindResult{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return BindResult{}, res.Err
	}
	result := res.Val.(BindResult)
	if leader {
		return result, nil
	}

	// joined another login: its attributes were applied, not ours
	result.Created = false
	if err := b.refreshUser(ctx, result.UserID, attrs); err != nil {
		return BindResult{}, err
	}
	return result, nil
}

func (b *Binder) bind(ctx context.Context, providerID, subject string, attrs claims.Attributes) (BindResult, error) {
	link, err := b.links.FindLink(ctx, providerID, subject)
	if err == nil {
		return b.refresh(ctx, link, attrs)
	}
	if !errors.Is(err, ErrLinkNotFound) {
		return BindResult{}, fmt.Errorf("unable to look up user link: %w", err)
	}

	userID, err := b.users.CreateUser(ctx, attrs)
	if err != nil {
		return BindResult{}, fmt.Errorf("unable to create user: %w", err)
	}

	err = b.links.CreateLink(ctx, UserLink{
		UserID:     userID,
		ProviderID: providerID,
		Subject:    subject,
		CreatedAt:  b.now(),
	})
	if err == nil {
		slog.Info("Created user for new identity", "provider", providerID, "user_id", userID)
		return BindResult{UserID: userID, Created: true}, nil
	}
	if !errors.Is(err, ErrLinkExists) {
		b.deleteOrphan(ctx, userID)
		return BindResult{}, fmt.Errorf("unable to create user link: %w", err)
	}

	// another process linked the identity first
	b.deleteOrphan(ctx, userID)
	link, err = b.links.FindLink(ctx, providerID, subject)
	if err != nil {
		return BindResult{}, fmt.Errorf("unable to look up user link: %w", err)
	}
	return b.refresh(ctx, link, attrs)
}

func (b *Binder) refresh(ctx context.Context, link *UserLink, attrs claims.Attributes) (BindResult, error) {
	if err := b.refreshUser(ctx, link.UserID, attrs); err != nil {
		return BindResult{}, err
	}
	return BindResult{UserID: link.UserID}, nil
}

func (b *Binder) refreshUser(ctx context.Context, userID string, attrs claims.Attributes) error {
	if b.policy() != RefreshAlways || len(attrs) == 0 {
		return nil
	}
	if err := b.users.UpdateUser(ctx, userID, attrs); err != nil {
		return fmt.Errorf("unable to update user: %w", err)
	}
	return nil
}

func (b *Binder) deleteOrphan(ctx context.Context, userID string) {
	deleter, ok := b.users.(UserDeleter)
	if !ok {
		slog.Warn("User store cannot delete, orphaned user remains", "user_id", userID)
		return
	}
	if err := deleter.DeleteUser(ctx, userID); err != nil {
		slog.Error("Unable to delete orphaned user", "user_id", userID, "error", err)
	}
}

package engine

import (
	"context"
	"fmt"

	"focuslock/internal/engine/authz"
	"focuslock/internal/events"
)

// AddWhitelisted adds a package to the user whitelist, bounded by the
// configured quota. Default apps have their own bookkeeping and never
// consume quota.
func (e *Engine) AddWhitelisted(ctx context.Context, packageID, actorID string) error {
	if e.isDefaultApp(packageID) {
		return fmt.Errorf("%s is a default app; enable it instead of whitelisting", packageID)
	}
	set, err := e.Repo.WhitelistSet(ctx)
	if err != nil {
		return err
	}
	if set[packageID] {
		return nil
	}
	if len(set) >= e.Config.Enforcement.MaxWhitelistedApps {
		return fmt.Errorf("whitelist quota of %d apps reached", e.Config.Enforcement.MaxWhitelistedApps)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.AddWhitelisted(ctx, tx, packageID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "whitelist.added", "app", packageID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) RemoveWhitelisted(ctx context.Context, packageID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveWhitelisted(ctx, tx, packageID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "whitelist.removed", "app", packageID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SetDefaultAppEnabled toggles a catalog default app (dialer, clock,
// calendar). Unknown packages are rejected so the table only ever holds
// catalog members.
func (e *Engine) SetDefaultAppEnabled(ctx context.Context, packageID string, enabled bool, actorID string) error {
	if !e.isDefaultApp(packageID) {
		return fmt.Errorf("%s is not in the default app catalog", packageID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetDefaultAppEnabled(ctx, tx, packageID, enabled); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "default_app.toggled", "app", packageID, actorID, events.EventPayload{"enabled": enabled}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) isDefaultApp(packageID string) bool {
	for _, app := range e.Config.Authorization.DefaultApps {
		if app.Package == packageID {
			return true
		}
	}
	return false
}

// Authorize evaluates a foreground package against the current persisted
// snapshot. The decision itself is pure; this loads the inputs.
func (e *Engine) Authorize(ctx context.Context, packageID string) (authz.Decision, error) {
	whitelist, err := e.Repo.WhitelistSet(ctx)
	if err != nil {
		return authz.Decision{}, err
	}
	defaults, err := e.Repo.EnabledDefaultApps(ctx)
	if err != nil {
		return authz.Decision{}, err
	}
	rs := authz.NewRuleset(e.Config)
	return rs.Authorize(packageID, whitelist, defaults), nil
}

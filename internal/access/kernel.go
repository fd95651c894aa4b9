// Package access implements the lattice-based access control kernel:
// ACL tier resolution with group-DAG inheritance composed with clearance
// dominance, and existence concealment at the boundary (spec §4.4).
package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/lattice/internal/audit"
	"github.com/r3e-network/lattice/internal/domainmodel"
	kerrors "github.com/r3e-network/lattice/internal/errors"
	"github.com/r3e-network/lattice/internal/logging"
)

// DenyReason is the internal-only reason a resolve call failed. It must
// never cross the transport boundary unmapped (spec §4.4, §7).
type DenyReason string

const (
	DenyNotFound              DenyReason = "not_found"
	DenyNoACL                 DenyReason = "no_acl"
	DenyInsufficientTier      DenyReason = "insufficient_tier"
	DenyInsufficientClearance DenyReason = "insufficient_clearance"
)

// Decision is the outcome of a resolve call: either Ok, or Deny with an
// internal reason. Only the Kernel's own audit logging inspects Reason;
// callers exposing a transport boundary must collapse any non-ok
// Decision to the same opaque response via Opaque().
type Decision struct {
	Ok     bool
	Reason DenyReason
}

// Opaque maps any Decision to the single error the transport boundary
// may show a caller: existence-concealment means no deny reason is ever
// distinguishable from another (spec §4.4, §7).
func (d Decision) Opaque(notebookID string) error {
	if d.Ok {
		return nil
	}
	return kerrors.Opaque("notebook", notebookID)
}

// Kernel is the access control component.
type Kernel struct {
	db     *sqlx.DB
	audit  *audit.Sink
	cache  *ClearanceCache
	logger *logging.Logger
}

// New constructs a Kernel.
func New(db *sqlx.DB, sink *audit.Sink, cache *ClearanceCache, logger *logging.Logger) *Kernel {
	return &Kernel{db: db, audit: sink, cache: cache, logger: logger}
}

// Resolve implements the seven-step algorithm of spec §4.4.
func (k *Kernel) Resolve(ctx context.Context, principalID, notebookID string, required domainmodel.AccessTier) (Decision, error) {
	nb, err := k.loadNotebook(ctx, notebookID)
	if errors.Is(err, errNotebookMissing) {
		k.logDenied(ctx, principalID, notebookID, DenyNotFound)
		return Decision{Ok: false, Reason: DenyNotFound}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	if nb.OwnerID == principalID {
		return Decision{Ok: true}, nil
	}

	effective, err := k.effectiveTier(ctx, principalID, nb)
	if err != nil {
		return Decision{}, err
	}

	if effective < domainmodel.TierExistence {
		k.logDenied(ctx, principalID, notebookID, DenyNoACL)
		return Decision{Ok: false, Reason: DenyNoACL}, nil
	}
	if required > effective {
		k.logDenied(ctx, principalID, notebookID, DenyInsufficientTier)
		return Decision{Ok: false, Reason: DenyInsufficientTier}, nil
	}

	organizationID, err := k.organizationOf(ctx, nb)
	if err != nil {
		return Decision{}, err
	}
	if organizationID != "" {
		clearance, err := k.clearanceOf(ctx, principalID, organizationID)
		if err != nil {
			return Decision{}, err
		}
		if !clearance.Dominates(nb.Label()) {
			k.logDenied(ctx, principalID, notebookID, DenyInsufficientClearance)
			return Decision{Ok: false, Reason: DenyInsufficientClearance}, nil
		}
	}

	return Decision{Ok: true}, nil
}

var errNotebookMissing = errors.New("notebook missing")

func (k *Kernel) loadNotebook(ctx context.Context, notebookID string) (*domainmodel.Notebook, error) {
	var row struct {
		ID              string         `db:"id"`
		Name            string         `db:"name"`
		OwnerID         string         `db:"owner_id"`
		Classification  int            `db:"classification"`
		Compartments    pq.StringArray `db:"compartments"`
		OwningGroupID   sql.NullString `db:"owning_group_id"`
		CurrentSequence int64          `db:"current_sequence"`
	}
	err := k.db.GetContext(ctx, &row, `
		SELECT id, name, owner_id, classification, compartments, owning_group_id, current_sequence
		FROM notebooks WHERE id = $1
	`, notebookID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotebookMissing
	}
	if err != nil {
		return nil, fmt.Errorf("load notebook: %w", err)
	}
	nb := &domainmodel.Notebook{
		ID:              row.ID,
		Name:            row.Name,
		OwnerID:         row.OwnerID,
		Classification:  domainmodel.ClassificationLevel(row.Classification),
		Compartments:    []string(row.Compartments),
		CurrentSequence: row.CurrentSequence,
	}
	if row.OwningGroupID.Valid {
		v := row.OwningGroupID.String
		nb.OwningGroupID = &v
	}
	return nb, nil
}

// effectiveTier is the max of the direct ACL grant and group-DAG
// inheritance through the notebook's owning group and its descendants
// (spec §4.4 step 3).
func (k *Kernel) effectiveTier(ctx context.Context, principalID string, nb *domainmodel.Notebook) (domainmodel.AccessTier, error) {
	best := domainmodel.AccessTier(-1)

	var tierStr string
	err := k.db.GetContext(ctx, &tierStr, `SELECT tier FROM notebook_access WHERE notebook_id = $1 AND principal_id = $2`, nb.ID, principalID)
	if err == nil {
		if t, ok := domainmodel.ParseAccessTier(tierStr); ok && t > best {
			best = t
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return best, fmt.Errorf("load direct grant: %w", err)
	}

	if nb.OwningGroupID != nil {
		inherited, err := k.groupInheritedTier(ctx, principalID, *nb.OwningGroupID)
		if err != nil {
			return best, err
		}
		if inherited > best {
			best = inherited
		}
	}

	if best < 0 {
		return domainmodel.AccessTier(-1), nil
	}
	return best, nil
}

// groupInheritedTier walks descendants of rootGroupID looking for a
// membership of principalID, returning read_write for member and admin
// for admin (spec §4.4 step 3), depth-bounded and cycle-safe.
func (k *Kernel) groupInheritedTier(ctx context.Context, principalID, rootGroupID string) (domainmodel.AccessTier, error) {
	const depthBound = 64
	visited := map[string]struct{}{rootGroupID: {}}
	frontier := []string{rootGroupID}
	best := domainmodel.AccessTier(-1)

	for depth := 0; depth < depthBound && len(frontier) > 0; depth++ {
		var roles []string
		query, args, err := sqlx.In(`SELECT role FROM group_memberships WHERE principal_id = ? AND group_id IN (?)`, principalID, frontier)
		if err != nil {
			return best, fmt.Errorf("build membership query: %w", err)
		}
		query = k.db.Rebind(query)
		if err := k.db.SelectContext(ctx, &roles, query, args...); err != nil {
			return best, fmt.Errorf("walk group memberships: %w", err)
		}
		for _, role := range roles {
			var tier domainmodel.AccessTier
			switch domainmodel.MembershipRole(role) {
			case domainmodel.RoleAdmin:
				tier = domainmodel.TierAdmin
			case domainmodel.RoleMember:
				tier = domainmodel.TierReadWrite
			}
			if tier > best {
				best = tier
			}
		}

		var children []string
		childQuery, childArgs, err := sqlx.In(`SELECT child_group_id FROM group_edges WHERE parent_group_id IN (?)`, frontier)
		if err != nil {
			return best, fmt.Errorf("build descendant query: %w", err)
		}
		childQuery = k.db.Rebind(childQuery)
		if err := k.db.SelectContext(ctx, &children, childQuery, childArgs...); err != nil {
			return best, fmt.Errorf("walk group descendants: %w", err)
		}

		var next []string
		for _, c := range children {
			if _, seen := visited[c]; seen {
				continue
			}
			visited[c] = struct{}{}
			next = append(next, c)
		}
		frontier = next
	}
	return best, nil
}

// organizationOf returns the organization id owning nb's group, or ""
// if the notebook has no owning group (in which case clearance checks
// are skipped: a notebook outside any organization has no clearance
// boundary to enforce).
func (k *Kernel) organizationOf(ctx context.Context, nb *domainmodel.Notebook) (string, error) {
	if nb.OwningGroupID == nil {
		return "", nil
	}
	var orgID string
	err := k.db.GetContext(ctx, &orgID, `SELECT organization_id FROM groups WHERE id = $1`, *nb.OwningGroupID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load owning organization: %w", err)
	}
	return orgID, nil
}

func (k *Kernel) clearanceOf(ctx context.Context, principalID, organizationID string) (domainmodel.Label, error) {
	if label, ok := k.cache.Get(principalID, organizationID); ok {
		return label, nil
	}

	var row struct {
		Level        int            `db:"level"`
		Compartments pq.StringArray `db:"compartments"`
	}
	err := k.db.GetContext(ctx, &row, `
		SELECT level, compartments FROM principal_clearances WHERE principal_id = $1 AND organization_id = $2
	`, principalID, organizationID)
	if errors.Is(err, sql.ErrNoRows) {
		label := domainmodel.NewLabel(domainmodel.Public, nil)
		k.cache.Put(principalID, organizationID, label)
		return label, nil
	}
	if err != nil {
		return domainmodel.Label{}, fmt.Errorf("load clearance: %w", err)
	}
	label := domainmodel.NewLabel(domainmodel.ClassificationLevel(row.Level), []string(row.Compartments))
	k.cache.Put(principalID, organizationID, label)
	return label, nil
}

func (k *Kernel) logDenied(ctx context.Context, principalID, notebookID string, reason DenyReason) {
	k.audit.Record(ctx, "access.denied", "notebook", &principalID, &notebookID, map[string]interface{}{
		"reason": string(reason),
	})
}

// GrantAccess upserts a direct ACL grant and evicts nothing on its own
// (a tier grant does not change clearance); callers granting clearance
// should call the Kernel's clearance-mutation path instead, which does
// evict.
func (k *Kernel) GrantAccess(ctx context.Context, notebookID, principalID string, tier domainmodel.AccessTier, actor string) error {
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO notebook_access (notebook_id, principal_id, tier)
		VALUES ($1, $2, $3)
		ON CONFLICT (notebook_id, principal_id) DO UPDATE SET tier = EXCLUDED.tier
	`, notebookID, principalID, tier.String())
	if err != nil {
		return fmt.Errorf("grant access: %w", err)
	}
	k.audit.Record(ctx, "access.grant", "notebook", &actor, &notebookID, map[string]interface{}{
		"principal_id": principalID, "tier": tier.String(),
	})
	return nil
}

// RevokeAccess removes a direct ACL grant.
func (k *Kernel) RevokeAccess(ctx context.Context, notebookID, principalID, actor string) error {
	_, err := k.db.ExecContext(ctx, `DELETE FROM notebook_access WHERE notebook_id = $1 AND principal_id = $2`, notebookID, principalID)
	if err != nil {
		return fmt.Errorf("revoke access: %w", err)
	}
	k.audit.Record(ctx, "access.revoke", "notebook", &actor, &notebookID, map[string]interface{}{
		"principal_id": principalID,
	})
	return nil
}

// GrantClearance upserts a principal's clearance for an organization and
// evicts the cache entry so the change is visible to the next Resolve.
func (k *Kernel) GrantClearance(ctx context.Context, principalID, organizationID string, label domainmodel.Label, actor string) error {
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO principal_clearances (principal_id, organization_id, level, compartments, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (principal_id, organization_id) DO UPDATE SET level = EXCLUDED.level, compartments = EXCLUDED.compartments, updated_at = now()
	`, principalID, organizationID, int(label.Level), pq.Array(label.CompartmentList()))
	if err != nil {
		return fmt.Errorf("grant clearance: %w", err)
	}
	k.cache.Evict(principalID, organizationID)
	k.audit.Record(ctx, "clearance.grant", "clearance", &actor, nil, map[string]interface{}{
		"principal_id": principalID, "organization_id": organizationID, "level": label.Level.String(),
	})
	return nil
}

// RevokeClearance deletes a principal's clearance and evicts the cache.
func (k *Kernel) RevokeClearance(ctx context.Context, principalID, organizationID, actor string) error {
	_, err := k.db.ExecContext(ctx, `DELETE FROM principal_clearances WHERE principal_id = $1 AND organization_id = $2`, principalID, organizationID)
	if err != nil {
		return fmt.Errorf("revoke clearance: %w", err)
	}
	k.cache.Evict(principalID, organizationID)
	k.audit.Record(ctx, "clearance.revoke", "clearance", &actor, nil, map[string]interface{}{
		"principal_id": principalID, "organization_id": organizationID,
	})
	return nil
}

// FlushClearanceCache clears the entire cache (admin operation).
func (k *Kernel) FlushClearanceCache() {
	k.cache.Flush()
}

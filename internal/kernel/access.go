package kernel

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/r3e-network/lattice/internal/domainmodel"
)

// Participant is one direct ACL entry on a notebook.
type Participant struct {
	PrincipalID string
	Tier        domainmodel.AccessTier
}

// ShareAccess grants a direct ACL tier on notebookID to principalID,
// requiring admin tier on the notebook from actor.
func (k *Kernel) ShareAccess(ctx context.Context, actor, notebookID, principalID string, tier domainmodel.AccessTier) error {
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierAdmin)
	if err != nil {
		return err
	}
	if !decision.Ok {
		return decision.Opaque(notebookID)
	}
	return k.access.GrantAccess(ctx, notebookID, principalID, tier, actor)
}

// RevokeAccess removes a direct ACL entry, requiring admin tier.
func (k *Kernel) RevokeAccess(ctx context.Context, actor, notebookID, principalID string) error {
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierAdmin)
	if err != nil {
		return err
	}
	if !decision.Ok {
		return decision.Opaque(notebookID)
	}
	return k.access.RevokeAccess(ctx, notebookID, principalID, actor)
}

// ListParticipants lists every principal holding a direct ACL grant on
// notebookID, requiring admin tier.
func (k *Kernel) ListParticipants(ctx context.Context, actor, notebookID string) ([]Participant, error) {
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierAdmin)
	if err != nil {
		return nil, err
	}
	if !decision.Ok {
		return nil, decision.Opaque(notebookID)
	}
	var rows []struct {
		PrincipalID string `db:"principal_id"`
		Tier        string `db:"tier"`
	}
	err = k.db.SelectContext(ctx, &rows, `
		SELECT principal_id, tier FROM notebook_access WHERE notebook_id = $1 ORDER BY principal_id ASC
	`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make([]Participant, 0, len(rows))
	for _, r := range rows {
		tier, _ := domainmodel.ParseAccessTier(r.Tier)
		out = append(out, Participant{PrincipalID: r.PrincipalID, Tier: tier})
	}
	return out, nil
}

// GrantClearance sets principalID's security label for organizationID,
// requiring an org-admin actor check left to the caller's transport layer
// (the kernel enforces only notebook-scoped tiers; organization
// membership roles are enforced by the group service).
func (k *Kernel) GrantClearance(ctx context.Context, actor, principalID, organizationID string, label domainmodel.Label) error {
	return k.access.GrantClearance(ctx, principalID, organizationID, label, actor)
}

// RevokeClearance removes principalID's clearance for organizationID.
func (k *Kernel) RevokeClearance(ctx context.Context, actor, principalID, organizationID string) error {
	return k.access.RevokeClearance(ctx, principalID, organizationID, actor)
}

// Clearance is one principal's security label within an organization.
type Clearance struct {
	PrincipalID string
	Label       domainmodel.Label
}

// ListClearances lists every clearance granted within organizationID.
func (k *Kernel) ListClearances(ctx context.Context, organizationID string) ([]Clearance, error) {
	var rows []struct {
		PrincipalID  string         `db:"principal_id"`
		Level        int            `db:"level"`
		Compartments pq.StringArray `db:"compartments"`
	}
	err := k.db.SelectContext(ctx, &rows, `
		SELECT principal_id, level, compartments FROM principal_clearances
		WHERE organization_id = $1 ORDER BY principal_id ASC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list clearances: %w", err)
	}
	out := make([]Clearance, 0, len(rows))
	for _, r := range rows {
		out = append(out, Clearance{
			PrincipalID: r.PrincipalID,
			Label:       domainmodel.NewLabel(domainmodel.ClassificationLevel(r.Level), []string(r.Compartments)),
		})
	}
	return out, nil
}

// FlushClearanceCache clears the whole clearance cache (admin operation).
func (k *Kernel) FlushClearanceCache() {
	k.access.FlushClearanceCache()
}

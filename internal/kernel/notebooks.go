package kernel

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/lattice/internal/domainmodel"
	kerrors "github.com/r3e-network/lattice/internal/errors"
)

// notebookRow mirrors access.Kernel's own row shape; kept local since
// notebook lifecycle (create/rename/delete) has no dedicated component in
// the dependency order (spec §3) and lives directly on the kernel.
type notebookRow struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	OwnerID         string         `db:"owner_id"`
	Classification  int            `db:"classification"`
	Compartments    pq.StringArray `db:"compartments"`
	OwningGroupID   *string        `db:"owning_group_id"`
	CurrentSequence int64          `db:"current_sequence"`
}

func (r notebookRow) toDomain() *domainmodel.Notebook {
	return &domainmodel.Notebook{
		ID:              r.ID,
		Name:            r.Name,
		OwnerID:         r.OwnerID,
		Classification:  domainmodel.ClassificationLevel(r.Classification),
		Compartments:    []string(r.Compartments),
		OwningGroupID:   r.OwningGroupID,
		CurrentSequence: r.CurrentSequence,
	}
}

// CreateNotebook registers a new notebook owned by actor.
func (k *Kernel) CreateNotebook(ctx context.Context, actor, name string, classification domainmodel.ClassificationLevel, compartments []string) (*domainmodel.Notebook, error) {
	if strings.TrimSpace(name) == "" {
		return nil, kerrors.InvalidInput("name", "required")
	}
	nb := &domainmodel.Notebook{
		ID:             uuid.NewString(),
		Name:           name,
		OwnerID:        actor,
		Classification: classification,
		Compartments:   compartments,
	}
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO notebooks (id, name, owner_id, classification, compartments, max_entries)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, nb.ID, nb.Name, nb.OwnerID, int(nb.Classification), pq.Array(nb.Compartments), k.cfg.MaxEntriesPerNotebook)
	if err != nil {
		return nil, fmt.Errorf("insert notebook: %w", err)
	}
	k.audit.Record(ctx, "notebook.create", "notebook", &actor, &nb.ID, map[string]interface{}{"name": name})
	return nb, nil
}

// ListNotebooks returns the notebooks actor owns directly, oldest first.
// Notebooks actor can reach only through an ACL grant or group membership
// are not listed.
func (k *Kernel) ListNotebooks(ctx context.Context, actor string) ([]*domainmodel.Notebook, error) {
	var rows []notebookRow
	err := k.db.SelectContext(ctx, &rows, `
		SELECT id, name, owner_id, classification, compartments, owning_group_id, current_sequence
		FROM notebooks WHERE owner_id = $1 ORDER BY created_at ASC
	`, actor)
	if err != nil {
		return nil, fmt.Errorf("list notebooks: %w", err)
	}
	out := make([]*domainmodel.Notebook, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// RenameNotebook requires admin tier on the notebook.
func (k *Kernel) RenameNotebook(ctx context.Context, actor, notebookID, name string) error {
	if strings.TrimSpace(name) == "" {
		return kerrors.InvalidInput("name", "required")
	}
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierAdmin)
	if err != nil {
		return err
	}
	if !decision.Ok {
		return decision.Opaque(notebookID)
	}
	res, err := k.db.ExecContext(ctx, `UPDATE notebooks SET name = $1 WHERE id = $2`, name, notebookID)
	if err != nil {
		return fmt.Errorf("rename notebook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kerrors.Opaque("notebook", notebookID)
	}
	k.audit.Record(ctx, "notebook.rename", "notebook", &actor, &notebookID, map[string]interface{}{"name": name})
	return nil
}

// DeleteNotebook requires admin tier. Deletion cascades through entries,
// access grants, jobs and subscriptions via foreign keys.
func (k *Kernel) DeleteNotebook(ctx context.Context, actor, notebookID string) error {
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierAdmin)
	if err != nil {
		return err
	}
	if !decision.Ok {
		return decision.Opaque(notebookID)
	}
	res, err := k.db.ExecContext(ctx, `DELETE FROM notebooks WHERE id = $1`, notebookID)
	if err != nil {
		return fmt.Errorf("delete notebook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kerrors.Opaque("notebook", notebookID)
	}
	k.access.FlushClearanceCache()
	k.audit.Record(ctx, "notebook.delete", "notebook", &actor, &notebookID, nil)
	return nil
}

// AssignOwningGroup sets or clears the group that gates auto-approval of
// entries written into notebookID (spec §4.6).
func (k *Kernel) AssignOwningGroup(ctx context.Context, actor, notebookID string, groupID *string) error {
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierAdmin)
	if err != nil {
		return err
	}
	if !decision.Ok {
		return decision.Opaque(notebookID)
	}
	res, err := k.db.ExecContext(ctx, `UPDATE notebooks SET owning_group_id = $1 WHERE id = $2`, groupID, notebookID)
	if err != nil {
		return fmt.Errorf("assign owning group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kerrors.Opaque("notebook", notebookID)
	}
	k.audit.Record(ctx, "notebook.assign_group", "notebook", &actor, &notebookID, nil)
	return nil
}

func loadOwningGroup(ctx context.Context, tx *sqlx.Tx, notebookID string) (*string, error) {
	var groupID sql.NullString
	err := tx.GetContext(ctx, &groupID, `SELECT owning_group_id FROM notebooks WHERE id = $1`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("load owning group: %w", err)
	}
	if !groupID.Valid {
		return nil, nil
	}
	return &groupID.String, nil
}

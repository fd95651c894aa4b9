package kernel

import (
	"context"

	"github.com/r3e-network/lattice/internal/audit"
	"github.com/r3e-network/lattice/internal/domainmodel"
)

// QueryAudit runs a filtered, paginated read over the audit log.
func (k *Kernel) QueryAudit(ctx context.Context, f audit.QueryFilter) ([]domainmodel.AuditEvent, error) {
	return audit.Query(ctx, k.db, f)
}

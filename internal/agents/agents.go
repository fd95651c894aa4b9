// Package agents implements registration and label management for
// non-human principals (spec §4.2/§6 "Agents: register; list; update
// labels; deregister").
package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/lattice/internal/audit"
	"github.com/r3e-network/lattice/internal/domainmodel"
	kerrors "github.com/r3e-network/lattice/internal/errors"
)

// Service is the agent registry.
type Service struct {
	db    *sqlx.DB
	audit *audit.Sink
}

// New constructs a Service.
func New(db *sqlx.DB, sink *audit.Sink) *Service {
	return &Service{db: db, audit: sink}
}

type agentRow struct {
	ID             string         `db:"id"`
	OrganizationID string         `db:"organization_id"`
	MaxLevel       int            `db:"max_level"`
	Compartments   pq.StringArray `db:"compartments"`
	Infrastructure string         `db:"infrastructure"`
	RegisteredAt   time.Time      `db:"registered_at"`
}

func (r agentRow) toDomain() *domainmodel.Agent {
	return &domainmodel.Agent{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		MaxLevel:       domainmodel.ClassificationLevel(r.MaxLevel),
		Compartments:   []string(r.Compartments),
		Infrastructure: r.Infrastructure,
		RegisteredAt:   r.RegisteredAt,
	}
}

// Register enrolls a new agent with its label ceiling.
func (s *Service) Register(ctx context.Context, organizationID string, maxLevel domainmodel.ClassificationLevel, compartments []string, infrastructure string) (*domainmodel.Agent, error) {
	agent := &domainmodel.Agent{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		MaxLevel:       maxLevel,
		Compartments:   compartments,
		Infrastructure: infrastructure,
		RegisteredAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, organization_id, max_level, compartments, infrastructure, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, agent.ID, agent.OrganizationID, int(agent.MaxLevel), pq.Array(agent.Compartments), agent.Infrastructure, agent.RegisteredAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, kerrors.NotFound("organization", organizationID)
		}
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	s.audit.Record(ctx, "agent.register", "agent", nil, nil, map[string]interface{}{"agent_id": agent.ID, "organization_id": organizationID})
	return agent, nil
}

// List returns every agent registered under organizationID.
func (s *Service) List(ctx context.Context, organizationID string) ([]*domainmodel.Agent, error) {
	var rows []agentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, organization_id, max_level, compartments, infrastructure, registered_at
		FROM agents WHERE organization_id = $1 ORDER BY registered_at ASC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]*domainmodel.Agent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// UpdateLabel raises or lowers an agent's label ceiling.
func (s *Service) UpdateLabel(ctx context.Context, agentID string, maxLevel domainmodel.ClassificationLevel, compartments []string, actor string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET max_level = $1, compartments = $2 WHERE id = $3
	`, int(maxLevel), pq.Array(compartments), agentID)
	if err != nil {
		return fmt.Errorf("update agent label: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return kerrors.NotFound("agent", agentID)
	}
	s.audit.Record(ctx, "agent.update_label", "agent", &actor, nil, map[string]interface{}{"agent_id": agentID})
	return nil
}

// Deregister removes an agent. Jobs it holds a lease on are reclaimed by
// the job queue's normal lease-timeout path, not here.
func (s *Service) Deregister(ctx context.Context, agentID, actor string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return kerrors.NotFound("agent", agentID)
	}
	s.audit.Record(ctx, "agent.deregister", "agent", &actor, nil, map[string]interface{}{"agent_id": agentID})
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return errors.Is(err, sql.ErrNoRows)
}

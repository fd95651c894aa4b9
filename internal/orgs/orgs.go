// Package orgs implements the organization/group service: tenancy roots,
// the per-organization group DAG, and role-gated membership (spec §4.2).
package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/lattice/internal/audit"
	dbpkg "github.com/r3e-network/lattice/internal/db"
	"github.com/r3e-network/lattice/internal/domainmodel"
	kerrors "github.com/r3e-network/lattice/internal/errors"
)

// DefaultTraversalDepthBound bounds the group-DAG cycle-detection walk
// (spec §4.1's "never recurse blindly" requirement applies equally here).
const DefaultTraversalDepthBound = 64

// Service is the organization/group component.
type Service struct {
	db    *sqlx.DB
	audit *audit.Sink
}

// New constructs a Service.
func New(db *sqlx.DB, sink *audit.Sink) *Service {
	return &Service{db: db, audit: sink}
}

// CreateOrganization registers a new tenancy root.
func (s *Service) CreateOrganization(ctx context.Context, name string) (*domainmodel.Organization, error) {
	if strings.TrimSpace(name) == "" {
		return nil, kerrors.InvalidInput("name", "required")
	}
	org := &domainmodel.Organization{ID: uuid.NewString(), Name: name}
	_, err := s.db.ExecContext(ctx, `INSERT INTO organizations (id, name) VALUES ($1, $2)`, org.ID, org.Name)
	if err != nil {
		return nil, fmt.Errorf("insert organization: %w", err)
	}
	s.audit.Record(ctx, "organization.create", "organization", nil, nil, map[string]interface{}{"organization_id": org.ID})
	return org, nil
}

// CreateGroup registers a new group under organizationID.
func (s *Service) CreateGroup(ctx context.Context, organizationID, name string) (*domainmodel.Group, error) {
	if strings.TrimSpace(name) == "" {
		return nil, kerrors.InvalidInput("name", "required")
	}
	group := &domainmodel.Group{ID: uuid.NewString(), OrganizationID: organizationID, Name: name}
	_, err := s.db.ExecContext(ctx, `INSERT INTO groups (id, organization_id, name) VALUES ($1, $2, $3)`, group.ID, group.OrganizationID, group.Name)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, kerrors.NotFound("organization", organizationID)
		}
		return nil, fmt.Errorf("insert group: %w", err)
	}
	s.audit.Record(ctx, "group.create", "group", nil, nil, map[string]interface{}{"group_id": group.ID, "organization_id": organizationID})
	return group, nil
}

// AddGroupEdge adds a parent->child edge to the organization's group DAG,
// rejecting any edge that would close a cycle (spec §4.2, tested by S6).
func (s *Service) AddGroupEdge(ctx context.Context, organizationID, parentGroupID, childGroupID string, actor string) error {
	if parentGroupID == childGroupID {
		return kerrors.Conflict("a group cannot be its own parent")
	}
	return dbpkg.WithSerializableTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := requireAdmin(ctx, tx, parentGroupID, actor); err != nil {
			return err
		}

		// Reject the edge if childGroupID can already reach parentGroupID:
		// adding parent->child would then close a cycle.
		reaches, err := reachable(ctx, tx, childGroupID, parentGroupID, DefaultTraversalDepthBound)
		if err != nil {
			return err
		}
		if reaches {
			return kerrors.Conflict("edge would introduce a cycle in the group DAG").WithDetails("reason", "GroupCycle")
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO group_edges (organization_id, parent_group_id, child_group_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (parent_group_id, child_group_id) DO NOTHING
		`, organizationID, parentGroupID, childGroupID)
		if err != nil {
			return fmt.Errorf("insert group edge: %w", err)
		}

		s.audit.Record(ctx, "group_edge.add", "group", &actor, nil, map[string]interface{}{
			"parent_group_id": parentGroupID,
			"child_group_id":  childGroupID,
		})
		return nil
	})
}

// reachable reports whether target is reachable from start by walking
// child edges, bounded by depthBound hops and guarded by a visited set.
func reachable(ctx context.Context, tx *sqlx.Tx, start, target string, depthBound int) (bool, error) {
	if start == target {
		return true, nil
	}
	visited := map[string]struct{}{start: {}}
	frontier := []string{start}

	for depth := 0; depth < depthBound && len(frontier) > 0; depth++ {
		var children []string
		query, args, err := sqlx.In(`SELECT child_group_id FROM group_edges WHERE parent_group_id IN (?)`, frontier)
		if err != nil {
			return false, fmt.Errorf("build reachability query: %w", err)
		}
		query = tx.Rebind(query)
		if err := tx.SelectContext(ctx, &children, query, args...); err != nil {
			return false, fmt.Errorf("walk group edges: %w", err)
		}

		var next []string
		for _, c := range children {
			if c == target {
				return true, nil
			}
			if _, seen := visited[c]; seen {
				continue
			}
			visited[c] = struct{}{}
			next = append(next, c)
		}
		frontier = next
	}
	return false, nil
}

// AddMembership grants principalID a role within groupID. Only an existing
// admin of the group may call this, except while the group has no members
// yet, when any actor may.
func (s *Service) AddMembership(ctx context.Context, groupID, principalID string, role domainmodel.MembershipRole, actor string) error {
	return dbpkg.WithSerializableTx(ctx, s.db, func(tx *sqlx.Tx) error {
		empty, err := groupHasNoMembers(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if !empty {
			if err := requireAdmin(ctx, tx, groupID, actor); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO group_memberships (group_id, principal_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (group_id, principal_id) DO UPDATE SET role = EXCLUDED.role
		`, groupID, principalID, string(role))
		if err != nil {
			return fmt.Errorf("insert membership: %w", err)
		}
		s.audit.Record(ctx, "membership.add", "group", &actor, nil, map[string]interface{}{
			"group_id": groupID, "principal_id": principalID, "role": string(role),
		})
		return nil
	})
}

// RemoveMembership revokes principalID's membership in groupID.
func (s *Service) RemoveMembership(ctx context.Context, groupID, principalID, actor string) error {
	return dbpkg.WithSerializableTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := requireAdmin(ctx, tx, groupID, actor); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM group_memberships WHERE group_id = $1 AND principal_id = $2`, groupID, principalID)
		if err != nil {
			return fmt.Errorf("remove membership: %w", err)
		}
		s.audit.Record(ctx, "membership.remove", "group", &actor, nil, map[string]interface{}{
			"group_id": groupID, "principal_id": principalID,
		})
		return nil
	})
}

// AncestorGroups returns every group that dominates groupID transitively
// via group_edges (parent_group_id of groupID, and their parents, ...),
// depth-bounded and cycle-safe.
func (s *Service) AncestorGroups(ctx context.Context, groupID string) ([]string, error) {
	visited := map[string]struct{}{groupID: {}}
	frontier := []string{groupID}
	var order []string

	for depth := 0; depth < DefaultTraversalDepthBound && len(frontier) > 0; depth++ {
		var parents []string
		query, args, err := sqlx.In(`SELECT parent_group_id FROM group_edges WHERE child_group_id IN (?)`, frontier)
		if err != nil {
			return nil, fmt.Errorf("build ancestor query: %w", err)
		}
		query = s.db.Rebind(query)
		if err := s.db.SelectContext(ctx, &parents, query, args...); err != nil {
			return nil, fmt.Errorf("walk ancestors: %w", err)
		}

		var next []string
		for _, p := range parents {
			if _, seen := visited[p]; seen {
				continue
			}
			visited[p] = struct{}{}
			order = append(order, p)
			next = append(next, p)
		}
		frontier = next
	}
	return order, nil
}

func groupHasNoMembers(ctx context.Context, tx *sqlx.Tx, groupID string) (bool, error) {
	var count int
	if err := tx.GetContext(ctx, &count, `SELECT count(*) FROM group_memberships WHERE group_id = $1`, groupID); err != nil {
		return false, fmt.Errorf("count memberships: %w", err)
	}
	return count == 0, nil
}

func requireAdmin(ctx context.Context, tx *sqlx.Tx, groupID, principalID string) error {
	var role string
	err := tx.GetContext(ctx, &role, `SELECT role FROM group_memberships WHERE group_id = $1 AND principal_id = $2`, groupID, principalID)
	if errors.Is(err, sql.ErrNoRows) {
		return kerrors.InsufficientTier("admin", "none")
	}
	if err != nil {
		return fmt.Errorf("lookup membership role: %w", err)
	}
	if domainmodel.MembershipRole(role) != domainmodel.RoleAdmin {
		return kerrors.InsufficientTier("admin", role)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}

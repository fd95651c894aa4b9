package kernel

import (
	"context"

	"github.com/r3e-network/lattice/internal/domainmodel"
)

// CreateOrganization registers a new tenancy root.
func (k *Kernel) CreateOrganization(ctx context.Context, name string) (*domainmodel.Organization, error) {
	return k.orgs.CreateOrganization(ctx, name)
}

// CreateGroup registers a new group under organizationID.
func (k *Kernel) CreateGroup(ctx context.Context, organizationID, name string) (*domainmodel.Group, error) {
	return k.orgs.CreateGroup(ctx, organizationID, name)
}

// AddGroupEdge adds a parent->child edge to the organization's group DAG.
func (k *Kernel) AddGroupEdge(ctx context.Context, actor, organizationID, parentGroupID, childGroupID string) error {
	return k.orgs.AddGroupEdge(ctx, organizationID, parentGroupID, childGroupID, actor)
}

// AddMembership adds principalID to groupID with role.
func (k *Kernel) AddMembership(ctx context.Context, actor, groupID, principalID string, role domainmodel.MembershipRole) error {
	return k.orgs.AddMembership(ctx, groupID, principalID, role, actor)
}

// RemoveMembership removes principalID from groupID.
func (k *Kernel) RemoveMembership(ctx context.Context, actor, groupID, principalID string) error {
	return k.orgs.RemoveMembership(ctx, groupID, principalID, actor)
}

// AncestorGroups returns every group on a path from the organization's
// roots down to groupID, inclusive.
func (k *Kernel) AncestorGroups(ctx context.Context, groupID string) ([]string, error) {
	return k.orgs.AncestorGroups(ctx, groupID)
}

// RegisterAgent enrolls a non-human principal.
func (k *Kernel) RegisterAgent(ctx context.Context, organizationID string, maxLevel domainmodel.ClassificationLevel, compartments []string, infrastructure string) (*domainmodel.Agent, error) {
	return k.agents.Register(ctx, organizationID, maxLevel, compartments, infrastructure)
}

// ListAgents lists every agent registered under organizationID.
func (k *Kernel) ListAgents(ctx context.Context, organizationID string) ([]*domainmodel.Agent, error) {
	return k.agents.List(ctx, organizationID)
}

// UpdateAgentLabel raises or lowers an agent's label ceiling.
func (k *Kernel) UpdateAgentLabel(ctx context.Context, actor, agentID string, maxLevel domainmodel.ClassificationLevel, compartments []string) error {
	return k.agents.UpdateLabel(ctx, agentID, maxLevel, compartments, actor)
}

// DeregisterAgent removes an agent registration.
func (k *Kernel) DeregisterAgent(ctx context.Context, actor, agentID string) error {
	return k.agents.Deregister(ctx, agentID, actor)
}

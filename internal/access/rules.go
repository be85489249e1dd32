// Package access answers allow/deny for (identity, action, resource) using a
// static role permission table plus active emergency grants, and writes one
// audit event per decision.
package access

import (
	"strings"

	"carelock.org/internal/audit"
	"carelock.org/internal/identity"
)

// ResourceType buckets resource paths for the permission table.
type ResourceType string

const (
	ResourcePatient   ResourceType = "patient"
	ResourceRecord    ResourceType = "record"
	ResourceDiagnosis ResourceType = "diagnosis"
	ResourceUser      ResourceType = "user"
	ResourceSetting   ResourceType = "setting"
	ResourceSecurity  ResourceType = "security"
	ResourceAudit     ResourceType = "audit"
	ResourceUnknown   ResourceType = "unknown"
)

// Resource is a parsed resource path.
type Resource struct {
	Type      ResourceType
	PatientID string
	Path      string
}

// ParseResource classifies a slash-separated resource path. Patient-scoped
// paths look like patients/<id>[/records|/diagnosis][...].
func ParseResource(path string) Resource {
	r := Resource{Type: ResourceUnknown, Path: path}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return r
	}
	switch parts[0] {
	case "patients":
		r.Type = ResourcePatient
		if len(parts) > 1 {
			r.PatientID = parts[1]
		}
		if len(parts) > 2 {
			switch parts[2] {
			case "records":
				r.Type = ResourceRecord
			case "diagnosis", "diagnoses":
				r.Type = ResourceDiagnosis
			}
		}
	case "users":
		r.Type = ResourceUser
	case "settings":
		r.Type = ResourceSetting
	case "security":
		r.Type = ResourceSecurity
	case "audit":
		r.Type = ResourceAudit
	}
	return r
}

// permission is one (role, action, resource-type) cell.
type permission struct {
	Role     identity.Role
	Action   audit.Action
	Resource ResourceType
}

// Ruleset is the permission table. Present means allowed; absent means
// denied. It is plain data so deployments can swap the table without
// touching decision logic.
type Ruleset map[permission]struct{}

// Allow adds one cell to the table.
func (rs Ruleset) Allow(role identity.Role, action audit.Action, resource ResourceType) {
	rs[permission{Role: role, Action: action, Resource: resource}] = struct{}{}
}

// Allows reports the baseline answer for one cell.
func (rs Ruleset) Allows(role identity.Role, action audit.Action, resource ResourceType) bool {
	_, ok := rs[permission{Role: role, Action: action, Resource: resource}]
	return ok
}

// DefaultRuleset encodes the baseline clinical matrix: doctors work with
// clinical data including diagnoses, nurses view and create but never touch
// diagnoses, admins manage the system but not clinical data.
func DefaultRuleset() Ruleset {
	rs := Ruleset{}

	for _, rt := range []ResourceType{ResourcePatient, ResourceRecord, ResourceDiagnosis} {
		rs.Allow(identity.RoleDoctor, audit.ActionView, rt)
		rs.Allow(identity.RoleDoctor, audit.ActionCreate, rt)
		rs.Allow(identity.RoleDoctor, audit.ActionUpdate, rt)
	}

	for _, rt := range []ResourceType{ResourcePatient, ResourceRecord} {
		rs.Allow(identity.RoleNurse, audit.ActionView, rt)
		rs.Allow(identity.RoleNurse, audit.ActionCreate, rt)
	}
	rs.Allow(identity.RoleNurse, audit.ActionView, ResourceDiagnosis)

	for _, rt := range []ResourceType{ResourceUser, ResourceSetting} {
		rs.Allow(identity.RoleAdmin, audit.ActionView, rt)
		rs.Allow(identity.RoleAdmin, audit.ActionCreate, rt)
		rs.Allow(identity.RoleAdmin, audit.ActionUpdate, rt)
		rs.Allow(identity.RoleAdmin, audit.ActionDelete, rt)
	}
	rs.Allow(identity.RoleAdmin, audit.ActionView, ResourceSecurity)
	rs.Allow(identity.RoleAdmin, audit.ActionUpdate, ResourceSecurity)
	rs.Allow(identity.RoleAdmin, audit.ActionView, ResourceAudit)

	return rs
}

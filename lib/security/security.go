package security

import (
	"context"
	"sort"
	"strings"

	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/cockroachdb/errors"
)

// Permission is a set of operation rights
type Permission uint32

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExec
	PermAdmin

	PermNone Permission = 0
	PermAll             = PermRead | PermWrite | PermExec | PermAdmin
)

var permissionNames = []struct {
	p    Permission
	name string
}{
	{PermRead, "READ"},
	{PermWrite, "WRITE"},
	{PermExec, "EXEC"},
	{PermAdmin, "ADMIN"},
}

func (p Permission) String() string {
	switch p {
	case PermNone:
		return "NONE"
	case PermAll:
		return "ALL"
	}
	var parts []string
	for _, n := range permissionNames {
		if p&n.p != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Implies reports whether p contains every right of o
func (p Permission) Implies(o Permission) bool {
	return p&o == o
}

// ParsePermission reads a permission name (READ, WRITE, EXEC, ADMIN, ALL, NONE), case insensitive
func ParsePermission(s string) (Permission, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "ALL":
		return PermAll, nil
	case "NONE":
		return PermNone, nil
	}
	for _, n := range permissionNames {
		if strings.EqualFold(s, n.name) {
			return n.p, nil
		}
	}
	return PermNone, errors.Newf("unknown permission %q", s)
}

// ParseRoles builds a role table from role name -> permission names
func ParseRoles(in map[string][]string) (map[string]Permission, error) {
	out := make(map[string]Permission, len(in))
	for role, names := range in {
		var p Permission
		for _, name := range names {
			perm, err := ParsePermission(name)
			if err != nil {
				return nil, errors.Wrapf(err, "role %s", role)
			}
			p |= perm
		}
		out[role] = p
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Subjects
// --------------------------------------------------------------------------

// Subject is an authenticated caller
type Subject struct {
	Name       string
	Principals []string
}

// NewSubject creates a subject; without principals its name is its only principal
func NewSubject(name string, principals ...string) *Subject {
	if len(principals) == 0 {
		principals = []string{name}
	}
	return &Subject{Name: name, Principals: principals}
}

type subjectKey struct{}

// WithSubject runs everything using the returned context as s
func WithSubject(ctx context.Context, s *Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, s)
}

// SubjectFrom returns the subject carried by ctx
func SubjectFrom(ctx context.Context) (*Subject, bool) {
	s, ok := ctx.Value(subjectKey{}).(*Subject)
	return s, ok && s != nil
}

// --------------------------------------------------------------------------
// Authorization
// --------------------------------------------------------------------------

// RoleMapper maps a principal to role names
type RoleMapper interface {
	Roles(principal string) []string
}

// IdentityRoleMapper maps every principal to the role of the same name
type IdentityRoleMapper struct{}

func (IdentityRoleMapper) Roles(principal string) []string {
	return []string{principal}
}

// Config configures an Authorizer
type Config struct {
	Enabled bool
	Mapper  RoleMapper // nil uses IdentityRoleMapper
	Roles   map[string]Permission
}

// Authorizer checks a subject's permissions before an operation begins
type Authorizer struct {
	enabled bool
	mapper  RoleMapper
	roles   map[string]Permission
}

// NewAuthorizer creates an authorizer. A disabled authorizer permits everything.
func NewAuthorizer(cfg Config) *Authorizer {
	if cfg.Mapper == nil {
		cfg.Mapper = IdentityRoleMapper{}
	}
	roles := make(map[string]Permission, len(cfg.Roles))
	for k, v := range cfg.Roles {
		roles[k] = v
	}
	return &Authorizer{enabled: cfg.Enabled, mapper: cfg.Mapper, roles: roles}
}

// Enabled reports whether checks are enforced
func (a *Authorizer) Enabled() bool {
	return a != nil && a.enabled
}

// Roles returns the configured role names in order
func (a *Authorizer) Roles() []string {
	out := make([]string, 0, len(a.roles))
	for r := range a.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Permissions returns the union of the permissions of every role of s
func (a *Authorizer) Permissions(s *Subject) Permission {
	var p Permission
	for _, principal := range s.Principals {
		for _, role := range a.mapper.Roles(principal) {
			p |= a.roles[role]
		}
	}
	return p
}

// Check fails with errs.RetCUnauthorized unless the subject in ctx holds perm
func (a *Authorizer) Check(ctx context.Context, perm Permission) error {
	if !a.Enabled() {
		return nil
	}
	s, ok := SubjectFrom(ctx)
	if !ok {
		return errs.Newf(errs.RetCUnauthorized, "anonymous access denied, %s required", perm)
	}
	if !a.Permissions(s).Implies(perm) {
		return errs.Newf(errs.RetCUnauthorized, "%s lacks %s", s.Name, perm)
	}
	return nil
}

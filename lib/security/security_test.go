package security

import (
	"context"
	"testing"

	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionNames(t *testing.T) {
	tests := []struct {
		in   string
		want Permission
	}{
		{"read", PermRead},
		{"WRITE", PermWrite},
		{" exec ", PermExec},
		{"Admin", PermAdmin},
		{"all", PermAll},
		{"none", PermNone},
	}
	for _, tt := range tests {
		got, err := ParsePermission(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParsePermission("root")
	assert.Error(t, err)

	assert.Equal(t, "READ|WRITE", (PermRead | PermWrite).String())
	assert.Equal(t, "ALL", PermAll.String())
	assert.True(t, PermAll.Implies(PermExec))
	assert.False(t, PermRead.Implies(PermRead|PermWrite))
}

func TestParseRoles(t *testing.T) {
	roles, err := ParseRoles(map[string][]string{"admin": {"ALL"}, "reader": {"READ"}, "writer": {"READ", "WRITE"}})
	require.NoError(t, err)
	assert.Equal(t, PermAll, roles["admin"])
	assert.Equal(t, PermRead|PermWrite, roles["writer"])

	_, err = ParseRoles(map[string][]string{"x": {"fly"}})
	assert.Error(t, err)
}

func TestAuthorizer(t *testing.T) {
	a := NewAuthorizer(Config{Enabled: true, Roles: map[string]Permission{"admin": PermAll, "reader": PermRead}})
	admin := WithSubject(context.Background(), NewSubject("admin"))
	reader := WithSubject(context.Background(), NewSubject("bob", "reader"))
	hacker := WithSubject(context.Background(), NewSubject("hacker"))

	assert.NoError(t, a.Check(admin, PermWrite))
	assert.NoError(t, a.Check(reader, PermRead))
	assert.True(t, errs.Is(a.Check(reader, PermWrite), errs.RetCUnauthorized))
	assert.True(t, errs.Is(a.Check(hacker, PermRead), errs.RetCUnauthorized))
	assert.True(t, errs.Is(a.Check(context.Background(), PermRead), errs.RetCUnauthorized))
	assert.Equal(t, []string{"admin", "reader"}, a.Roles())

	off := NewAuthorizer(Config{})
	assert.NoError(t, off.Check(context.Background(), PermAdmin))
	var nilAuth *Authorizer
	assert.False(t, nilAuth.Enabled())
}

func TestSubjectContext(t *testing.T) {
	_, ok := SubjectFrom(context.Background())
	assert.False(t, ok)
	s, ok := SubjectFrom(WithSubject(context.Background(), NewSubject("admin")))
	require.True(t, ok)
	assert.Equal(t, "admin", s.Name)
	assert.Equal(t, []string{"admin"}, s.Principals)
}

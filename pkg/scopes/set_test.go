package scopes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetOperations(t *testing.T) {
	s := NewSet("a", "b")
	other := NewSet("b", "c")

	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("c"))

	assert.Equal(t, []string{"a", "b", "c"}, s.Union(other).Sorted())
	assert.Equal(t, []string{"b"}, s.Intersect(other).Sorted())

	assert.True(t, NewSet("a").IsSubsetOf(s))
	assert.False(t, s.IsSubsetOf(NewSet("a")))
	assert.True(t, NewSet().IsSubsetOf(NewSet()))
}

func TestSetCloneIsIndependent(t *testing.T) {
	s := NewSet("a")
	c := s.Clone()
	c.Add("b")
	c.Remove("a")

	assert.Equal(t, []string{"a"}, s.Sorted())
	assert.Equal(t, []string{"b"}, c.Sorted())
}

func TestDefaultRolesReturnsCopies(t *testing.T) {
	first := DefaultRoles()
	first[RoleObserver].Add("write:queue:edit")

	second := DefaultRoles()
	assert.False(t, second[RoleObserver].Has("write:queue:edit"))
}

func TestDefaultRoleAssignments(t *testing.T) {
	roles := DefaultRoles()

	assert.True(t, roles[RoleAdmin].Has(AdminAPIKeys))
	assert.False(t, roles[RoleAdmin].Has(WriteQueueEdit))
	assert.True(t, roles[RoleUser].Has(WriteQueueEdit))
	assert.False(t, roles[RoleObserver].Has(WriteQueueEdit))
	assert.True(t, roles[RoleSingleUser].Has(WriteManagerStop))
	assert.Equal(t, []string{ReadStatus}, roles[RolePublic].Sorted())
}

func TestReservedUsers(t *testing.T) {
	assert.True(t, IsDefaultUser(UsernameSingleUser))
	assert.True(t, IsDefaultUser(UsernamePublic))
	assert.False(t, IsDefaultUser("alice"))

	users := DefaultUserRoles()
	assert.Equal(t, []string{RoleSingleUser}, users[UsernameSingleUser])
	assert.Equal(t, []string{RolePublic}, users[UsernamePublic])
}

package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRolesRoundTripByName(t *testing.T) {
	require.Len(t, Roles(), 13)
	for _, r := range Roles() {
		parsed, err := ParseRole(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}
	_, err := ParseRole("dentist")
	assert.ErrorIs(t, err, ErrUnknownRole)
	assert.False(t, Role(0).Valid())
}

func TestEveryModuleDeclaresActions(t *testing.T) {
	for _, m := range Modules() {
		actions := m.Actions()
		assert.NotEmpty(t, actions, m.String())
		for _, a := range actions {
			assert.True(t, a.Valid(), "%s declares invalid action %d", m, a)
		}
		parsed, err := ParseModule(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}
	assert.Nil(t, Module(0).Actions())
}

func TestActionMutatingIsExhaustive(t *testing.T) {
	mutating := map[Action]bool{
		ActionView:    false,
		ActionCreate:  true,
		ActionEdit:    true,
		ActionDelete:  true,
		ActionApprove: true,
		ActionExport:  false,
		ActionAdmin:   true,
	}
	require.Len(t, mutating, len(Actions()))
	for _, a := range Actions() {
		assert.Equal(t, mutating[a], a.Mutating(), a.String())
	}
}

func TestModuleSupports(t *testing.T) {
	assert.True(t, ModuleClinical.Supports(ActionApprove))
	assert.False(t, ModuleReports.Supports(ActionDelete))
	assert.False(t, ModuleSession.Gated())
	assert.True(t, ModuleBilling.Gated())
}

func TestTextMarshalling(t *testing.T) {
	text, err := RolePhysician.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "physician", string(text))

	var a Action
	require.NoError(t, a.UnmarshalText([]byte("Approve")))
	assert.Equal(t, ActionApprove, a)

	var m Module
	assert.ErrorIs(t, m.UnmarshalText([]byte("payroll")), ErrUnknownModule)

	_, err = Role(99).MarshalText()
	assert.ErrorIs(t, err, ErrUnknownRole)
}

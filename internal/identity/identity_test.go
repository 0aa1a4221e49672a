package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_StableKeySurvivesConfirmation(t *testing.T) {
	m := New()
	local := NewLocalID()
	require.True(t, strings.HasPrefix(local, "tmp-"))

	m.Register(Row, local)
	assert.True(t, m.IsPending(Row, local))
	assert.Equal(t, local, m.Stable(Row, local))

	_, confirmed := m.Server(Row, local)
	assert.False(t, confirmed)

	require.True(t, m.Confirm(Row, local, "srv-1"))
	assert.False(t, m.IsPending(Row, local))
	assert.Equal(t, local, m.Stable(Row, "srv-1"), "server id resolves to the local stable key")
	assert.Equal(t, local, m.Stable(Row, local))

	server, confirmed := m.Server(Row, local)
	assert.True(t, confirmed)
	assert.Equal(t, "srv-1", server)
}

func TestMap_UnregisteredIDsAreConfirmed(t *testing.T) {
	m := New()
	server, confirmed := m.Server(Column, "c1")
	assert.True(t, confirmed)
	assert.Equal(t, "c1", server)
	assert.Equal(t, "c1", m.Stable(Column, "c1"))
}

func TestMap_AxesAreIndependent(t *testing.T) {
	m := New()
	m.Register(Row, "tmp-x")
	assert.True(t, m.IsPending(Row, "tmp-x"))
	assert.False(t, m.IsPending(Column, "tmp-x"))
	assert.Equal(t, []string{"tmp-x"}, m.Pending(Row))
	assert.Empty(t, m.Pending(Column))
}

func TestMap_Forget(t *testing.T) {
	m := New()
	m.Register(Row, "tmp-a")
	m.Confirm(Row, "tmp-a", "srv-a")

	m.Forget(Row, "srv-a")
	assert.Equal(t, "srv-a", m.Stable(Row, "srv-a"))
	assert.False(t, m.Confirm(Row, "tmp-a", "srv-b"), "forgotten ids cannot be confirmed")
}

func TestMap_CellKey(t *testing.T) {
	m := New()
	m.Register(Row, "tmp-r")
	m.Register(Column, "tmp-c")
	before := m.CellKey("tmp-r", "tmp-c")

	m.Confirm(Row, "tmp-r", "r1")
	m.Confirm(Column, "tmp-c", "c1")
	after := m.CellKey("r1", "c1")

	assert.Equal(t, before, after)
	assert.Equal(t, Key{Row: "tmp-r", Column: "tmp-c"}, after)
}

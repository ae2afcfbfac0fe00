package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseRegistry_Register(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	v, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestBaseRegistry_RegisterEmptyName(t *testing.T) {
	r := NewBaseRegistry[int]()
	assert.Error(t, r.Register("", 1))
}

func TestBaseRegistry_RegisterDuplicate(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))
	assert.Error(t, r.Register("a", 2))
}

func TestBaseRegistry_OrderPreserved(t *testing.T) {
	r := NewBaseRegistry[string]()
	for _, name := range []string{"gamma", "alpha", "beta"} {
		require.NoError(t, r.Register(name, name))
	}

	assert.Equal(t, []string{"gamma", "alpha", "beta"}, r.Names())
	assert.Equal(t, []string{"gamma", "alpha", "beta"}, r.List())
}

func TestBaseRegistry_Remove(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	require.NoError(t, r.Remove("a"))
	assert.Equal(t, []string{"b"}, r.Names())
	assert.Error(t, r.Remove("a"))
}

func TestBaseRegistry_Clear(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))

	r.Clear()
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Names())
}

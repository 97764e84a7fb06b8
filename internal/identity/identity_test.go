package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "identity.json")

	first, created, err := LoadOrCreate(path, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.UserID())
	assert.Contains(t, first.DisplayName(), "user-")

	again, created, err := LoadOrCreate(path, "Alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.UserID(), again.UserID())
	assert.Equal(t, "Alice", again.DisplayName())
}

func TestCorruptIdentityIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o600))

	f, created, err := LoadOrCreate(path, "Bob")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Bob", f.Name)
}

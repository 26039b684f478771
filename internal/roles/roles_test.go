// ABOUTME: Tests for role manifest loading and permission checks
// ABOUTME: Covers TOML parsing, unknown roles, and deny-by-default behavior

package roles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roles.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeManifest(t, `
[roles]
market-analyst = ["append_note", "write_section", "list_notes"]
fact-checker = ["list_notes", "add_question"]
`)

	m, err := Load(path)
	require.NoError(t, err)

	allowed, err := m.Allowed("market-analyst")
	require.NoError(t, err)
	assert.Equal(t, []string{"append_note", "list_notes", "write_section"}, allowed)

	assert.True(t, m.Permits("fact-checker", "add_question"))
	assert.False(t, m.Permits("fact-checker", "write_section"))
}

func TestLoad_EmptyManifest(t *testing.T) {
	path := writeManifest(t, "# no roles here\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestAllowed_UnknownRole(t *testing.T) {
	m := Default()

	_, err := m.Allowed("intern")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestPermits_DenyByDefault(t *testing.T) {
	m := Default()

	// Researchers read and take notes but never write sections
	assert.True(t, m.Permits("researcher", "append_note"))
	assert.False(t, m.Permits("researcher", "write_section"))

	// Unknown role permits nothing
	assert.False(t, m.Permits("nobody", "list_notes"))
}

func TestAllowed_ReturnsCopy(t *testing.T) {
	m := Default()

	a, err := m.Allowed("writer")
	require.NoError(t, err)
	a[0] = "mutated"

	b, err := m.Allowed("writer")
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", b[0])
}

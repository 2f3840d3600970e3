package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestShippedMigrationsArePaired(t *testing.T) {
	migrations, err := LoadMigrations(migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "survey_definitions", migrations[0].Name)
	assert.Equal(t, "0001_survey_definitions.up.sql", migrations[0].ID())
	for i := 1; i < len(migrations); i++ {
		assert.Greater(t, migrations[i].Version, migrations[i-1].Version)
	}
}

func TestLoadMigrationsRejectsBrokenDirectories(t *testing.T) {
	write := func(t *testing.T, dir string, names ...string) {
		t.Helper()
		for _, name := range names {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644))
		}
	}

	cases := []struct {
		name  string
		files []string
	}{
		{name: "empty"},
		{name: "missing down", files: []string{"0001_init.up.sql"}},
		{name: "missing up", files: []string{"0001_init.down.sql"}},
		{name: "name clash", files: []string{"0001_init.up.sql", "0001_init.down.sql", "0001_other.up.sql", "0001_other.down.sql"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			write(t, dir, tc.files...)
			_, err := LoadMigrations(dir)
			assert.Error(t, err)
		})
	}

	t.Run("ignores unrelated files and orders numerically", func(t *testing.T) {
		dir := t.TempDir()
		write(t, dir, "README.md", "10_late.up.sql", "10_late.down.sql", "2_early.up.sql", "2_early.down.sql")
		migrations, err := LoadMigrations(dir)
		require.NoError(t, err)
		require.Len(t, migrations, 2)
		assert.Equal(t, []int{2, 10}, []int{migrations[0].Version, migrations[1].Version})
	})
}

package migration

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/roundtable/config"
)

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		input    string
		expected DatabaseType
		wantErr  bool
	}{
		{"postgres", DatabaseTypePostgres, false},
		{"PostgreSQL", DatabaseTypePostgres, false},
		{"pg", DatabaseTypePostgres, false},
		{"mariadb", DatabaseTypeMySQL, false},
		{"sqlite3", DatabaseTypeSQLite, false},
		{"oracle", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDatabaseType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestURLFor(t *testing.T) {
	cfg := config.DatabaseConfig{Host: "db", Port: 5432, User: "rt", Password: "pw", Name: "roundtable", Path: "/tmp/rt.db"}
	assert.Equal(t, "postgres://rt:pw@db:5432/roundtable?sslmode=disable", URLFor(DatabaseTypePostgres, cfg))
	assert.Equal(t, "rt:pw@tcp(db:5432)/roundtable?parseTime=true&multiStatements=true", URLFor(DatabaseTypeMySQL, cfg))
	assert.Equal(t, "file:/tmp/rt.db?mode=rwc&_foreign_keys=on", URLFor(DatabaseTypeSQLite, cfg))
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(nil)
	assert.ErrorContains(t, err, "config is required")
	_, err = NewMigrator(&Config{DatabaseType: DatabaseTypeSQLite})
	assert.ErrorContains(t, err, "database URL is required")
	_, err = NewMigrator(&Config{DatabaseType: "oracle", DatabaseURL: "x"})
	assert.ErrorContains(t, err, "unsupported")
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	for dbType, d := range dialects {
		files, err := available(d.dir)
		require.NoError(t, err, dbType)
		require.Len(t, files, 2, dbType)
		assert.Equal(t, "create_conversations", files[0].name)
		for i, f := range files {
			assert.Equal(t, uint(i+1), f.version)
		}
	}
}

func TestMigrator_SQLite(t *testing.T) {
	if testing.Short() {
		t.Skip("requires cgo sqlite3")
	}
	path := filepath.Join(t.TempDir(), "rt.db")
	url := "file:" + path + "?mode=rwc&_foreign_keys=on"
	m, err := NewMigrator(&Config{DatabaseType: DatabaseTypeSQLite, DatabaseURL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	v, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.False(t, dirty)

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx), "no change is not an error")

	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), info.CurrentVersion)
	assert.Equal(t, 0, info.PendingMigrations)

	db, err := sql.Open("sqlite3", url)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name IN ('conversations','conversation_participants','conversation_messages','pending_actions')`).Scan(&n))
	assert.Equal(t, 4, n)

	require.NoError(t, m.Down(ctx))
	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Applied)
	assert.False(t, statuses[1].Applied)
}

type fakeMigrator struct {
	Migrator
	version uint
	upErr   error
}

func (f *fakeMigrator) Up(context.Context) error {
	if f.upErr != nil {
		return f.upErr
	}
	f.version = 2
	return nil
}

func (f *fakeMigrator) Version(context.Context) (uint, bool, error) { return f.version, false, nil }

func (f *fakeMigrator) Status(context.Context) ([]MigrationStatus, error) {
	return []MigrationStatus{
		{Version: 1, Name: "create_conversations", Applied: f.version >= 1},
		{Version: 2, Name: "create_pending_actions", Applied: f.version >= 2},
	}, nil
}

func (f *fakeMigrator) Info(ctx context.Context) (*MigrationInfo, error) {
	return &MigrationInfo{CurrentVersion: f.version, TotalMigrations: 2, AppliedMigrations: int(f.version), PendingMigrations: 2 - int(f.version)}, nil
}

func TestCLI(t *testing.T) {
	ctx := context.Background()
	fake := &fakeMigrator{}
	var out bytes.Buffer
	cli := NewCLI(fake)
	cli.SetOutput(&out)

	require.NoError(t, cli.RunVersion(ctx))
	assert.Contains(t, out.String(), "No migrations applied yet")

	out.Reset()
	require.NoError(t, cli.RunStatus(ctx))
	assert.Regexp(t, `000001\s+create_conversations\s+pending`, out.String())
	assert.Contains(t, out.String(), "0 applied, 2 pending")

	out.Reset()
	require.NoError(t, cli.RunUp(ctx))
	assert.Contains(t, out.String(), "Current version: 2 (0 pending)")

	assert.Error(t, cli.RunSteps(ctx, 0))

	fake.upErr = errors.New("dirty database")
	assert.ErrorContains(t, cli.RunUp(ctx), "dirty database")
}

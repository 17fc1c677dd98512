package migration

import (
	"io/fs"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	require.NoError(t, err)
	source, err := iofs.New(sub, ".")
	require.NoError(t, err)
	defer source.Close()

	version, err := source.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	count := 1
	for {
		next, err := source.Next(version)
		if err != nil {
			break
		}
		_, _, err = source.ReadDown(next)
		require.NoError(t, err, "version %d has no down migration", next)
		version = next
		count++
	}
	assert.Equal(t, 5, count)
}

func TestRunAutoMigratesNonPostgres(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, Run(db, "sqlite"))
	for _, table := range []string{"plans", "subscriptions", "plan_change_history", "usage_counters", "audit_logs"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestRunRequiresConnection(t *testing.T) {
	assert.Error(t, Run(nil, "postgres"))
}

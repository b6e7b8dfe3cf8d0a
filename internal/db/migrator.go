package db

import (
	"fmt"

	"github.com/lopezator/migrator"
)

type migrationLogger struct {
	db *Database
}

func (l migrationLogger) Printf(format string, args ...interface{}) {
	l.db.Log.Debugf(format, args...)
}

type Migration = migrator.Migration

// Migrate applies, in order, every migration of the named set that has not run yet. Each set keeps
// its applied versions in its own _migrations_<name> table.
func (db *Database) Migrate(name string, migrations []*Migration) error {
	return db.Lock(fmt.Sprintf("migrating %s", name), func() error {
		return db.MigrateNoLock(name, migrations)
	})
}

func (db *Database) MigrateNoLock(name string, migrations []*Migration) error {
	if db.Conn == nil {
		return fmt.Errorf("db: cannot migrate %s on closed database", name)
	}
	ms := make([]interface{}, len(migrations))
	for i, m := range migrations {
		ms[i] = m
	}
	m, err := migrator.New(
		migrator.TableName(fmt.Sprintf("_migrations_%s", name)),
		migrator.WithLogger(migrationLogger{db}),
		migrator.Migrations(ms...),
	)
	if err != nil {
		return fmt.Errorf("db: preparing %s migrations: %w", name, err)
	}
	if err := m.Migrate(db.Conn.DB); err != nil {
		return fmt.Errorf("db: running %s migrations: %w", name, err)
	}
	return nil
}

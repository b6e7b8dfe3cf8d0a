package db_test

import (
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/meow-io/go-e2ee/internal/db"
	"github.com/meow-io/go-e2ee/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func migrated(t *testing.T) *db.Database {
	d := test.NewTestDatabase(test.NewTestConfig())
	require.Nil(t, d.Migrate("sample", []*db.Migration{
		{
			Name: "create items",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
				return err
			},
		},
	}))
	return d
}

func TestAfterCommitRunsInOrder(t *testing.T) {
	require := require.New(t)
	d := migrated(t)
	defer d.Shutdown()

	var order []int
	require.Nil(d.Run("insert", func() error {
		for i := 0; i < 5; i++ {
			i := i
			if _, err := d.Tx.Exec("INSERT INTO items (id, name) VALUES (?, ?)", i, "x"); err != nil {
				return err
			}
			d.AfterCommit(func() { order = append(order, i) })
		}
		return nil
	}))
	require.Equal([]int{0, 1, 2, 3, 4}, order)
}

func TestRollbackSkipsCallbacks(t *testing.T) {
	require := require.New(t)
	d := migrated(t)
	defer d.Shutdown()

	called := false
	boom := errors.New("boom")
	err := d.Run("failing insert", func() error {
		if _, err := d.Tx.Exec("INSERT INTO items (id, name) VALUES (1, 'a')"); err != nil {
			return err
		}
		d.AfterCommit(func() { called = true })
		return boom
	})
	require.ErrorIs(err, boom)
	require.False(called)

	var count int
	require.Nil(d.RunReadOnly("count", func() error {
		return d.Tx.Get(&count, "SELECT count(*) FROM items")
	}))
	require.Equal(0, count)
}

func TestMigrateIsIdempotent(t *testing.T) {
	require := require.New(t)
	d := migrated(t)
	defer d.Shutdown()

	require.Nil(d.Migrate("sample", []*db.Migration{
		{
			Name: "create items",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
				return err
			},
		},
	}))
}

// Package dummydb is an in-memory implementation of the library storage, used for tests & local runs.
package dummydb

import (
	"context"
	"sync"

	"github.com/samber/lo"

	"github.com/Haizard/mult-tenant-school-sub002/core"
	"github.com/Haizard/mult-tenant-school-sub002/core/library"
)

type (
	DB struct {
		txMu sync.Mutex // one unit of work at a time
		mu   sync.RWMutex
		t    tables
	}

	// unitExec is the executor handed to a unit of work. It marks the repository calls made
	// inside the unit; it never runs SQL.
	unitExec struct {
		core.DBExecutor
		db *DB
	}

	tables struct {
		books        map[string]library.Book
		users        map[string]library.User
		libraryUsers map[string]library.LibraryUser // {tenantID/userID: LibraryUser}
		circulations map[string]library.Circulation
		reservations map[string]library.Reservation
		fines        map[string]library.Fine
	}
)

var (
	_ core.Transactor = (*DB)(nil)
	_ library.Storage = (*DB)(nil)
)

func Open() *DB {
	return &DB{t: newTables()}
}

func newTables() tables {
	return tables{
		books:        make(map[string]library.Book),
		users:        make(map[string]library.User),
		libraryUsers: make(map[string]library.LibraryUser),
		circulations: make(map[string]library.Circulation),
		reservations: make(map[string]library.Reservation),
		fines:        make(map[string]library.Fine),
	}
}

// Reset drops all data.
func (db *DB) Reset() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.t = newTables()
}

func (db *DB) Tenant(tenantID string) library.Repository {
	return &libraryRepository{db: db, tenantID: tenantID}
}

// WithinTx runs fn against a snapshot-protected store: every change made by fn is discarded
// when it returns an error or panics. fn must pass its executor to every write it makes;
// other writes wait for the unit to end.
func (db *DB) WithinTx(ctx context.Context, fn func(exec core.DBExecutor) error) (err error) {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	if err = ctx.Err(); err != nil {
		return err
	}

	snapshot := db.snapshot()
	defer func() {
		if p := recover(); p != nil {
			db.restore(snapshot)
			panic(p)
		}
	}()

	if err = fn(&unitExec{db: db}); err != nil {
		db.restore(snapshot)
	}
	return err
}

func (db *DB) isUnit(exec core.DBExecutor) bool {
	u, ok := exec.(*unitExec)
	return ok && u.db == db
}

func (db *DB) snapshot() tables {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return tables{
		books:        lo.Assign(db.t.books),
		users:        lo.Assign(db.t.users),
		libraryUsers: lo.Assign(db.t.libraryUsers),
		circulations: lo.Assign(db.t.circulations),
		reservations: lo.Assign(db.t.reservations),
		fines:        lo.Assign(db.t.fines),
	}
}

func (db *DB) restore(t tables) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.t = t
}

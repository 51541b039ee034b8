package apps

import (
	"context"
	"database/sql"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/Haizard/mult-tenant-school-sub002/core"
	"github.com/Haizard/mult-tenant-school-sub002/core/library"
	cachesvc "github.com/Haizard/mult-tenant-school-sub002/services/cache"
	emailsvc "github.com/Haizard/mult-tenant-school-sub002/services/email"
	"github.com/Haizard/mult-tenant-school-sub002/storage/database"
	dummydb "github.com/Haizard/mult-tenant-school-sub002/storage/database/dummy"
	sqlxrepos "github.com/Haizard/mult-tenant-school-sub002/storage/database/sqlx"
)

const EngineMemory = "memory"

// Deps holds the dependencies shared by the API server and the admin CLI.
type Deps struct {
	DB         *sql.DB // nil with the memory engine
	Cache      core.Cache
	Mail       core.EmailService
	LibrarySvc *library.Service

	closers []func() error
}

// NewDeps opens the configured storage & cache and assembles the library service.
func NewDeps(ctx context.Context, conf *core.Config, logger core.Logger) (*Deps, error) {
	deps := new(Deps)

	var (
		tx    core.Transactor
		store library.Storage
	)
	if conf.Database.Engine == EngineMemory {
		mem := dummydb.Open()
		tx, store = mem, mem
	} else {
		db, err := SetUpDB(conf)
		if err != nil {
			return nil, errors.Wrap(err, "setting up database")
		}
		deps.DB = db
		deps.closers = append(deps.closers, db.Close)
		tx = database.NewTransactor(db)
		store = sqlxrepos.NewStorage(db)
	}

	if conf.Cache.RedisAddr != "" {
		rc, err := cachesvc.NewRedisCache(ctx, conf.Cache)
		if err != nil {
			_ = deps.Close()
			return nil, errors.Wrap(err, "setting up cache")
		}
		deps.Cache = rc
		deps.closers = append(deps.closers, rc.Close)
	} else {
		deps.Cache = cachesvc.NewMemoryCache()
	}

	if conf.Debug {
		deps.Mail = emailsvc.NewConsoleService(conf, logger)
	} else {
		deps.Mail = emailsvc.NewSendgridService(conf, logger)
	}

	deps.LibrarySvc = library.NewService(tx, store, deps.Cache, deps.Mail, logger, conf)
	return deps, nil
}

// Close releases every opened connection, reporting all failures.
func (d *Deps) Close() error {
	var result *multierror.Error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// SetUpDB creates the database when missing, opens it and applies the migrations.
func SetUpDB(conf *core.Config) (*sql.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

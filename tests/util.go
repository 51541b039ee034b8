package testutil

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Haizard/mult-tenant-school-sub002/core"
	"github.com/Haizard/mult-tenant-school-sub002/core/library"
	logsvc "github.com/Haizard/mult-tenant-school-sub002/services/logger"
)

// Config returns the app config with the in-memory engine & cache, in test mode.
func Config() *core.Config {
	conf := core.NewConfig()
	conf.Debug = false
	conf.TestMode = true
	conf.Database.Engine = "memory"
	conf.Cache.RedisAddr = ""
	conf.Library.TxRetryBaseDelay = time.Millisecond
	return conf
}

// Logger returns a logger that reports nowhere.
func Logger(conf *core.Config) core.Logger {
	logger := logsvc.NewRollbarLogger(log.New(io.Discard, "", 0), conf)
	logger.Enable(false)
	return logger
}

func TenantContext(tenantID string) context.Context {
	return core.WithTenant(context.Background(), tenantID)
}

func CreateUser(t *testing.T, repo library.Repository, name, email, userType string, isActive ...bool) library.User {
	active := true
	if len(isActive) > 0 {
		active = isActive[0]
	}
	usr, err := repo.CreateUser(context.Background(), library.User{
		ID:        uuid.New().String(),
		Name:      name,
		Email:     email,
		UserType:  userType,
		IsActive:  active,
		CreatedAt: core.NowFunc().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}

func CreateBook(t *testing.T, repo library.Repository, title, author string, copies int, category ...string) library.Book {
	tstamp := core.NowFunc().UTC()
	book := library.Book{
		ID:              uuid.New().String(),
		Title:           title,
		Author:          author,
		TotalCopies:     copies,
		AvailableCopies: copies,
		Condition:       library.ConditionGood,
		Status:          library.BookStatusActive,
		CreatedAt:       tstamp,
		UpdatedAt:       tstamp,
	}
	if len(category) > 0 {
		book.Category = category[0]
	}
	book, err := repo.CreateBook(context.Background(), book)
	if err != nil {
		t.Fatalf("CreateBook() failed: %v", err)
	}
	return book
}

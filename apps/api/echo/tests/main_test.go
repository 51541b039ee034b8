package tests

import (
	"os"
	"testing"

	"github.com/go-playground/validator/v10"

	echoapi "github.com/Haizard/mult-tenant-school-sub002/apps/api/echo"
	"github.com/Haizard/mult-tenant-school-sub002/core"
	"github.com/Haizard/mult-tenant-school-sub002/core/library"
	cachesvc "github.com/Haizard/mult-tenant-school-sub002/services/cache"
	emailsvc "github.com/Haizard/mult-tenant-school-sub002/services/email"
	dummydb "github.com/Haizard/mult-tenant-school-sub002/storage/database/dummy"
	testutil "github.com/Haizard/mult-tenant-school-sub002/tests"
)

const (
	tenant      = "school-1"
	otherTenant = "school-2"
)

var (
	conf *core.Config
	db   *dummydb.DB
	app  *echoapi.Server
)

func TestMain(m *testing.M) {
	conf = testutil.Config()
	logger := testutil.Logger(conf)

	// set up storage & services
	db = dummydb.Open()
	mailSvc := emailsvc.NewConsoleServiceMock(conf, logger)
	librarySvc := library.NewService(db, db, cachesvc.NewMemoryCache(), mailSvc, logger, conf)

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)

	// set up server
	app = echoapi.NewServer(
		echoapi.Options{
			Conf:           conf,
			Logger:         logger,
			LibrarySvc:     librarySvc,
			Validate:       validate,
			Translator:     translator,
			DisableReqLogs: true,
		},
	)

	os.Exit(m.Run())
}

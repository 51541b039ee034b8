package main

import (
	"bytes"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"

	"github.com/Haizard/mult-tenant-school-sub002/apps"
	echoapi "github.com/Haizard/mult-tenant-school-sub002/apps/api/echo"
	"github.com/Haizard/mult-tenant-school-sub002/core"
	"github.com/Haizard/mult-tenant-school-sub002/core/library"
	cachesvc "github.com/Haizard/mult-tenant-school-sub002/services/cache"
	emailsvc "github.com/Haizard/mult-tenant-school-sub002/services/email"
	"github.com/Haizard/mult-tenant-school-sub002/storage/database"
	dummydb "github.com/Haizard/mult-tenant-school-sub002/storage/database/dummy"
	testutil "github.com/Haizard/mult-tenant-school-sub002/tests"
)

const tenant = "school-1"

type fixture struct {
	cli  *commandLine
	out  *bytes.Buffer
	repo library.Repository
	mail *emailsvc.ConsoleServiceMock
}

func setup(t *testing.T) *fixture {
	conf := testutil.Config()
	logger := testutil.Logger(conf)
	db := dummydb.Open()
	mailer := emailsvc.NewConsoleServiceMock(conf, logger)

	validate := validator.New()
	core.InitValidators(validate, core.NewTranslator())

	isTerminalFunc = func(fd int) bool { return false }
	t.Cleanup(func() {
		isTerminalFunc = term.IsTerminal
		gooseRunFunc = database.RunMigrations
	})

	f := &fixture{
		out:  new(bytes.Buffer),
		repo: db.Tenant(tenant),
		mail: mailer,
	}
	f.cli = &commandLine{
		conf:     conf,
		svc:      library.NewService(db, db, cachesvc.NewMemoryCache(), mailer, logger, conf),
		validate: validate,
		out:      f.out,
	}
	return f
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	wantOut    string
}

func (tt cliTest) run(t *testing.T, f *fixture) {
	t.Run(tt.name, func(t *testing.T) {
		f.out.Reset()
		err := f.cli.run(append([]string{"admin"}, tt.args...))
		switch {
		case tt.wantErr != nil:
			assert.ErrorIs(t, err, tt.wantErr)
		case tt.wantErrStr != "":
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErrStr)
			}
		default:
			assert.NoError(t, err)
		}
		if tt.wantOut != "" {
			assert.Contains(t, f.out.String(), tt.wantOut)
		}
	})
}

func Test_commandLine_usage(t *testing.T) {
	f := setup(t)

	tests := []cliTest{
		{name: "no command", wantErr: errHelp, wantOut: "Usage:"},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "migrate without subcommand", args: []string{"migrate"}, wantErr: errHelp},
	}
	for _, tt := range tests {
		tt.run(t, f)
	}
}

func Test_commandLine_migrate(t *testing.T) {
	f := setup(t)

	tests := []cliTest{
		{name: "memory engine", args: []string{"migrate", "up"}, wantErr: errNoDatabase},
	}
	for _, tt := range tests {
		tt.run(t, f)
	}

	gooseRunFunc = func(db *sql.DB, command string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to", "down-to":
			if len(args) == 0 {
				return fmt.Errorf("%s must be of form: goose [OPTIONS] DRIVER DBSTRING %s VERSION", command, command)
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}
	f.cli.db = new(sql.DB)

	tests = []cliTest{
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-to", args: []string{"migrate", "up-to", "1"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "redo", args: []string{"migrate", "redo"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
	}
	for _, tt := range tests {
		tt.run(t, f)
	}
}

func Test_commandLine_addUser(t *testing.T) {
	f := setup(t)

	tests := []cliTest{
		{name: "missing flags", args: []string{"adduser"}, wantErrStr: "-name is required; -tenant is required"},
		{name: "bad flag", args: []string{"adduser", "-lol"}, wantErrStr: "flag provided but not defined"},
		{name: "unknown type", args: []string{"adduser", "-tenant", tenant, "-name", "Awe", "-type", "ALIEN"}, wantErrStr: `unknown user type "ALIEN"`},
		{name: "student", args: []string{"adduser", "-tenant", tenant, "-name", "Awe", "-email", "awe@test.cd"}, wantOut: "user Awe (STUDENT) created"},
		{name: "duplicate email", args: []string{"adduser", "-tenant", tenant, "-name", "Awe", "-email", "AWE@test.cd"}, wantErr: library.ErrEmailExists},
		{name: "teacher", args: []string{"adduser", "-tenant", tenant, "-name", "Mr Kabila", "-type", library.UserTypeTeacher}, wantOut: "(TEACHER) created"},
	}
	for _, tt := range tests {
		tt.run(t, f)
	}

	var missing *apps.ArgumentError
	err := f.cli.run([]string{"admin", "adduser", "-tenant", tenant})
	assert.ErrorAs(t, err, &missing)
}

func Test_commandLine_addBook(t *testing.T) {
	f := setup(t)

	tests := []cliTest{
		{name: "missing flags", args: []string{"addbook", "-tenant", tenant}, wantErrStr: "-author is required; -title is required"},
		{name: "negative copies", args: []string{"addbook", "-tenant", tenant, "-title", "Mine Boy", "-author", "Peter Abrahams", "-copies", "-1"}, wantErrStr: "TotalCopies"},
		{name: "created", args: []string{"addbook", "-tenant", tenant, "-title", "Mine Boy", "-author", "Peter Abrahams", "-copies", "3", "-category", "Fiction"}, wantOut: `book "Mine Boy" created with 3 copies`},
	}
	for _, tt := range tests {
		tt.run(t, f)
	}

	books, total, err := f.repo.QueryBooks(testutil.TenantContext(tenant), library.BookFilter{Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, 3, books[0].AvailableCopies)
	assert.Equal(t, "Fiction", books[0].Category)
}

func Test_commandLine_token(t *testing.T) {
	f := setup(t)
	usr := testutil.CreateUser(t, f.repo, "Awe", "awe@test.cd", library.UserTypeStaff)

	tests := []cliTest{
		{name: "missing flags", args: []string{"token"}, wantErrStr: "-tenant is required; -user is required"},
		{name: "unknown user", args: []string{"token", "-tenant", tenant, "-user", "lol"}, wantErr: library.ErrUserNotFound},
		{name: "other tenant", args: []string{"token", "-tenant", "school-2", "-user", usr.ID}, wantErr: library.ErrUserNotFound},
	}
	for _, tt := range tests {
		tt.run(t, f)
	}

	f.out.Reset()
	require.NoError(t, f.cli.run([]string{"admin", "token", "-tenant", tenant, "-user", usr.ID, "-roles", "librarian:, admin:"}))

	claims := new(echoapi.Claims)
	_, err := jwt.ParseWithClaims(strings.TrimSpace(f.out.String()), claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(f.cli.conf.SecretKey), nil
	})
	require.NoError(t, err)
	assert.Equal(t, usr.ID, claims.Subject)
	assert.Equal(t, tenant, claims.TenantID)
	assert.Equal(t, "awe@test.cd", claims.Email)
	assert.Equal(t, []string{"librarian:", "admin:"}, claims.Roles)
	assert.True(t, claims.IsStaff())
}

func Test_commandLine_overdue(t *testing.T) {
	f := setup(t)
	ctx := testutil.TenantContext(tenant)
	book := testutil.CreateBook(t, f.repo, "Mine Boy", "Peter Abrahams", 2)
	awe := testutil.CreateUser(t, f.repo, "Awe", "awe@test.cd", library.UserTypeStudent)
	mute := testutil.CreateUser(t, f.repo, "Mute", "", library.UserTypeStudent)

	tests := []cliTest{
		{name: "missing tenant", args: []string{"overdue"}, wantErrStr: "-tenant is required"},
		{name: "nothing overdue", args: []string{"overdue", "-tenant", tenant}, wantOut: "no overdue loans"},
	}
	for _, tt := range tests {
		tt.run(t, f)
	}

	past := core.NowFunc().Add(-3 * 24 * time.Hour)
	for _, usr := range []library.User{awe, mute} {
		circ, err := f.cli.svc.Issue(ctx, library.IssueBook{BookID: book.ID, UserID: usr.ID, UserType: usr.UserType})
		require.NoError(t, err)
		circ.DueDate = past
		_, err = f.repo.UpdateCirculation(ctx, circ)
		require.NoError(t, err)
	}

	tests = []cliTest{
		{name: "report only", args: []string{"overdue", "-tenant", tenant}, wantOut: awe.ID},
		{name: "notify", args: []string{"overdue", "-tenant", tenant, "-notify"}, wantOut: "1 notice(s) sent"},
	}
	for _, tt := range tests {
		tt.run(t, f)
	}

	sent := f.mail.SentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "awe@test.cd", sent[0].To[0].Address)
	assert.Equal(t, "Overdue: Mine Boy", sent[0].Subject)
}

func Test_commandLine_overdueTable(t *testing.T) {
	f := setup(t)
	ctx := testutil.TenantContext(tenant)
	book := testutil.CreateBook(t, f.repo, "Mine Boy", "Peter Abrahams", 1)
	awe := testutil.CreateUser(t, f.repo, "Awe", "awe@test.cd", library.UserTypeStudent)

	circ, err := f.cli.svc.Issue(ctx, library.IssueBook{BookID: book.ID, UserID: awe.ID, UserType: awe.UserType})
	require.NoError(t, err)
	circ.DueDate = core.NowFunc().Add(-50 * time.Hour)
	_, err = f.repo.UpdateCirculation(ctx, circ)
	require.NoError(t, err)

	isTerminalFunc = func(fd int) bool { return true }
	cliTest{name: "table", args: []string{"overdue", "-tenant", tenant}, wantOut: "BOOK"}.run(t, f)
	assert.Contains(t, f.out.String(), "Mine Boy")
	assert.Contains(t, f.out.String(), "Awe")
}

package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/term"

	"github.com/Haizard/mult-tenant-school-sub002/apps"
	"github.com/Haizard/mult-tenant-school-sub002/core"
	"github.com/Haizard/mult-tenant-school-sub002/core/library"
	"github.com/Haizard/mult-tenant-school-sub002/storage/database"
)

var (
	gooseRunFunc   = database.RunMigrations // mockable
	isTerminalFunc = term.IsTerminal        // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	conf     *core.Config
	db       *sql.DB // nil with the memory engine
	svc      *library.Service
	validate *validator.Validate
	out      io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS]                                    - run a goose command (up, down, status, ...)")
	fmt.Fprintln(cli.out, "  adduser -tenant ID -name NAME [-email EMAIL] [-type TYPE]  - register a borrower")
	fmt.Fprintln(cli.out, "  addbook -tenant ID -title T -author A [-isbn I] [-copies N] - add a book to the catalog")
	fmt.Fprintln(cli.out, "  token -tenant ID -user ID [-roles r1,r2]                   - print a signed API token")
	fmt.Fprintln(cli.out, "  overdue -tenant ID [-notify]                               - list overdue loans, optionally email the borrowers")
}

// requireFlags reports every empty required flag at once.
func requireFlags(flags map[string]string) error {
	var result *multierror.Error
	for name, val := range flags {
		if strings.TrimSpace(val) == "" {
			result = multierror.Append(result, apps.NewArgumentError("-"+name+" is required"))
		}
	}
	if result != nil {
		result.ErrorFormat = func(errs []error) string {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			sort.Strings(msgs)
			return strings.Join(msgs, "; ")
		}
	}
	return result.ErrorOrNil()
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addUserCmd := flag.NewFlagSet("adduser", flag.ContinueOnError)
	addUserTenant := addUserCmd.String("tenant", "", "The tenant (school) ID.")
	addUserName := addUserCmd.String("name", "", "The user's full name.")
	addUserEmail := addUserCmd.String("email", "", "The user's email, used for notifications.")
	addUserType := addUserCmd.String("type", library.UserTypeStudent, "STUDENT, TEACHER or STAFF.")

	addBookCmd := flag.NewFlagSet("addbook", flag.ContinueOnError)
	addBookTenant := addBookCmd.String("tenant", "", "The tenant (school) ID.")
	addBookTitle := addBookCmd.String("title", "", "The book title.")
	addBookAuthor := addBookCmd.String("author", "", "The book author.")
	addBookISBN := addBookCmd.String("isbn", "", "The book ISBN.")
	addBookCategory := addBookCmd.String("category", "", "The book category.")
	addBookCopies := addBookCmd.Int("copies", 1, "The number of copies.")

	tokenCmd := flag.NewFlagSet("token", flag.ContinueOnError)
	tokenTenant := tokenCmd.String("tenant", "", "The tenant (school) ID.")
	tokenUser := tokenCmd.String("user", "", "The user ID.")
	tokenRoles := tokenCmd.String("roles", "", "Comma separated roles, eg. librarian:")

	overdueCmd := flag.NewFlagSet("overdue", flag.ContinueOnError)
	overdueTenant := overdueCmd.String("tenant", "", "The tenant (school) ID.")
	overdueNotify := overdueCmd.Bool("notify", false, "Email a notice to every reachable borrower.")

	for _, fs := range []*flag.FlagSet{addUserCmd, addBookCmd, tokenCmd, overdueCmd} {
		fs.SetOutput(cli.out)
	}

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "adduser":
		if err := addUserCmd.Parse(args[2:]); err != nil {
			return err
		}
		if err := requireFlags(map[string]string{"tenant": *addUserTenant, "name": *addUserName}); err != nil {
			addUserCmd.Usage()
			return err
		}
		return cli.addUser(*addUserTenant, *addUserName, *addUserEmail, *addUserType)

	case "addbook":
		if err := addBookCmd.Parse(args[2:]); err != nil {
			return err
		}
		if err := requireFlags(map[string]string{"tenant": *addBookTenant, "title": *addBookTitle, "author": *addBookAuthor}); err != nil {
			addBookCmd.Usage()
			return err
		}
		return cli.addBook(*addBookTenant, library.NewBook{
			ISBN:        *addBookISBN,
			Title:       *addBookTitle,
			Author:      *addBookAuthor,
			Category:    *addBookCategory,
			TotalCopies: *addBookCopies,
		})

	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		if err := requireFlags(map[string]string{"tenant": *tokenTenant, "user": *tokenUser}); err != nil {
			tokenCmd.Usage()
			return err
		}
		return cli.token(*tokenTenant, *tokenUser, splitRoles(*tokenRoles))

	case "overdue":
		if err := overdueCmd.Parse(args[2:]); err != nil {
			return err
		}
		if err := requireFlags(map[string]string{"tenant": *overdueTenant}); err != nil {
			overdueCmd.Usage()
			return err
		}
		return cli.overdue(*overdueTenant, *overdueNotify)

	default:
		cli.printUsage()
		return errHelp
	}
}

func splitRoles(s string) []string {
	roles := make([]string, 0)
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

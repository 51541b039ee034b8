package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/Haizard/mult-tenant-school-sub002/core"
	"github.com/Haizard/mult-tenant-school-sub002/core/library"
)

func (cli *commandLine) addUser(tenantID, name, email, userType string) error {
	switch userType {
	case library.UserTypeStudent, library.UserTypeTeacher, library.UserTypeStaff:
	default:
		return errors.Errorf("unknown user type %q", userType)
	}

	usr, err := cli.svc.CreateUser(core.WithTenant(context.Background(), tenantID), name, email, userType)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "user %s (%s) created: %s\n", usr.Name, usr.UserType, usr.ID)
	return nil
}

func (cli *commandLine) addBook(tenantID string, nb library.NewBook) error {
	if err := nb.Validate(cli.validate); err != nil {
		return err
	}

	book, err := cli.svc.CreateBook(core.WithTenant(context.Background(), tenantID), nb)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "book %q created with %d copies: %s\n", book.Title, book.TotalCopies, book.ID)
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	echoapi "github.com/Haizard/mult-tenant-school-sub002/apps/api/echo"
	"github.com/Haizard/mult-tenant-school-sub002/core"
)

// token prints a signed API token for an existing member of the tenant.
func (cli *commandLine) token(tenantID, userID string, roles []string) error {
	usr, err := cli.svc.GetUser(core.WithTenant(context.Background(), tenantID), userID)
	if err != nil {
		return err
	}

	claims := echoapi.NewClaims(cli.conf, usr.ID, tenantID, roles...)
	claims.Username = usr.Name
	claims.Email = usr.Email
	tokenStr, err := echoapi.GenerateToken(cli.conf, claims)
	if err != nil {
		return errors.Wrap(err, "generating token")
	}
	fmt.Fprintln(cli.out, tokenStr)
	return nil
}

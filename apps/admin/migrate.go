package main

import "github.com/pkg/errors"

var errNoDatabase = errors.New("migrations need a postgres database, the memory engine has none")

func (cli *commandLine) migrate(args []string) error {
	if cli.db == nil {
		return errNoDatabase
	}
	return gooseRunFunc(cli.db, args[0], args[1:]...)
}

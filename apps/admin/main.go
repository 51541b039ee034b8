package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/Haizard/mult-tenant-school-sub002/apps"
	"github.com/Haizard/mult-tenant-school-sub002/core"
	logsvc "github.com/Haizard/mult-tenant-school-sub002/services/logger"
)

func main() {
	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stderr, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	deps, err := apps.NewDeps(context.Background(), conf, logger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up dependencies: %v", err), err)
	}

	validate := validator.New()
	core.InitValidators(validate, core.NewTranslator())
	core.ParseEmailTemplates(logger)

	cli := commandLine{
		conf:     conf,
		db:       deps.DB,
		svc:      deps.LibrarySvc,
		validate: validate,
		out:      os.Stdout,
	}
	err = cli.run(os.Args)

	// let queued emails go out before leaving
	deps.Mail.Wait()
	if cerr := deps.Close(); cerr != nil {
		logger.Error(fmt.Sprintf("closing dependencies: %v", cerr), cerr)
	}

	if err != nil {
		if err != errHelp {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

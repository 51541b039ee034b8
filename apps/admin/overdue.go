package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/Haizard/mult-tenant-school-sub002/core"
)

func (cli *commandLine) overdue(tenantID string, notify bool) error {
	loans, err := cli.svc.OverdueLoans(core.WithTenant(context.Background(), tenantID))
	if err != nil {
		return err
	}

	if len(loans) == 0 {
		fmt.Fprintln(cli.out, "no overdue loans")
		return nil
	}

	// the table is for humans; piped output gets one tab separated line per loan
	if isTerminalFunc(int(os.Stdout.Fd())) {
		w := tabwriter.NewWriter(cli.out, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "BOOK\tBORROWER\tDUE\tDAYS LATE")
		for _, l := range loans {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", l.Book.Title, l.User.Name, l.Circulation.DueDate.Format("2006-01-02"), l.DaysOverdue)
		}
		if err = w.Flush(); err != nil {
			return err
		}
	} else {
		for _, l := range loans {
			fmt.Fprintf(cli.out, "%s\t%s\t%s\t%d\n", l.Circulation.ID, l.User.ID, l.Circulation.DueDate.Format("2006-01-02"), l.DaysOverdue)
		}
	}

	if notify {
		sent := cli.svc.SendOverdueNotices(loans)
		fmt.Fprintf(cli.out, "%d notice(s) sent\n", sent)
	}
	return nil
}

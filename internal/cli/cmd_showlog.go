package cli

import (
	"github.com/calvinalkan/opsdb/pkg/odb"
)

func cmdShowLog() *Command {
	return &Command{
		Usage: "show-log [db]",
		Short: "print DB's log entries",
		Long: "Print DB's log entries, record by record. Repeat the global -m flag for " +
			"per-row changes (-m) and per-column values (-mm). Recognizes both the " +
			"standalone and the clustered log format.",
		MinArgs: 0,
		MaxArgs: 1,
		Exec: func(o *IO, env *Env, args []string) error {
			dbPath := argOrDefault(args, 0, env.DefaultDB())

			return odb.ShowLog(env.FS, dbPath, odb.ShowLogOptions{
				W:         o.Out(),
				Verbosity: env.Verbosity,
			})
		},
	}
}

package cli

import (
	"github.com/calvinalkan/opsdb/pkg/odb"
)

func cmdQuery() *Command {
	return &Command{
		Usage:   "query [db] txn",
		Short:   "execute read-only transaction on DB",
		MinArgs: 1,
		MaxArgs: 2,
		Exec: func(o *IO, env *Env, args []string) error {
			return execTxn(o, env, args, true)
		},
	}
}

func cmdTransact() *Command {
	return &Command{
		Usage:   "transact [db] txn",
		Short:   "execute read/write transaction on DB",
		MinArgs: 1,
		MaxArgs: 2,
		Exec: func(o *IO, env *Env, args []string) error {
			return execTxn(o, env, args, false)
		},
	}
}

func execTxn(o *IO, env *Env, args []string, readOnly bool) error {
	dbPath := env.DefaultDB()
	txnText := args[len(args)-1]

	if len(args) == 2 {
		dbPath = args[0]
	}

	request, err := odb.ParseJSON([]byte(txnText))
	if err != nil {
		return err
	}

	db, file, err := odb.OpenFile(env.FS, dbPath, odb.OpenOptions{
		ReadOnly: readOnly,
		Locking:  env.Locking(),
		Logger:   env.Logger,
	})
	if err != nil {
		return err
	}

	defer file.Close()

	result, err := odb.Execute(db, request, readOnly)
	if err != nil {
		return err
	}

	o.Println(renderJSON(result))

	return nil
}

package cli

import (
	"github.com/calvinalkan/opsdb/pkg/odb"
)

func cmdCreate() *Command {
	return &Command{
		Usage:   "create [db [schema]]",
		Short:   "create DB with the given SCHEMA",
		Long:    "Create a new database file holding only a schema record, read from SCHEMA.",
		MinArgs: 0,
		MaxArgs: 2,
		Exec:    execCreate,
	}
}

func execCreate(o *IO, env *Env, args []string) error {
	dbPath := argOrDefault(args, 0, env.DefaultDB())
	schemaPath := argOrDefault(args, 1, env.DefaultSchema())

	schema, err := odb.SchemaFromFile(env.FS, schemaPath)
	if err != nil {
		return err
	}

	log, err := odb.OpenLog(env.FS, dbPath, odb.MagicStandalone, odb.ModeCreateExcl, env.Locking())
	if err != nil {
		return err
	}

	defer log.Close()

	err = log.Write(schema.ToJSON())
	if err != nil {
		return err
	}

	return log.Commit()
}

package cli

import (
	"github.com/calvinalkan/opsdb/pkg/odb"
)

func cmdCompact() *Command {
	return &Command{
		Usage:   "compact [db [dst]]",
		Short:   "compact DB in-place (or to DST)",
		Long:    "Rewrite DB as schema plus a single snapshot transaction, in place or as a fresh copy at DST.",
		MinArgs: 0,
		MaxArgs: 2,
		Exec: func(o *IO, env *Env, args []string) error {
			db := argOrDefault(args, 0, env.DefaultDB())
			dst := argOrDefault(args, 1, "")

			return compactOrConvert(env, db, dst, nil, "compacted by opsdb "+version)
		},
	}
}

func cmdConvert() *Command {
	return &Command{
		Usage:   "convert [db [schema [dst]]]",
		Short:   "convert DB to SCHEMA (to DST)",
		Long: "Reopen DB under SCHEMA, silently dropping data for tables and columns SCHEMA " +
			"does not have, and write the result in place or to DST.",
		MinArgs: 0,
		MaxArgs: 3,
		Exec: func(o *IO, env *Env, args []string) error {
			db := argOrDefault(args, 0, env.DefaultDB())
			schemaPath := argOrDefault(args, 1, env.DefaultSchema())
			dst := argOrDefault(args, 2, "")

			schema, err := odb.SchemaFromFile(env.FS, schemaPath)
			if err != nil {
				return err
			}

			return compactOrConvert(env, db, dst, schema, "converted by opsdb "+version)
		},
	}
}

func cmdNeedsConversion() *Command {
	return &Command{
		Usage:   "needs-conversion [db [schema]]",
		Short:   "report whether DB's schema differs from SCHEMA",
		MinArgs: 0,
		MaxArgs: 2,
		Exec: func(o *IO, env *Env, args []string) error {
			dbPath := argOrDefault(args, 0, env.DefaultDB())
			schemaPath := argOrDefault(args, 1, env.DefaultSchema())

			dbSchema, err := odb.ReadSchema(env.FS, dbPath)
			if err != nil {
				return err
			}

			fileSchema, err := odb.SchemaFromFile(env.FS, schemaPath)
			if err != nil {
				return err
			}

			if dbSchema.Equal(fileSchema) {
				o.Println("no")
			} else {
				o.Println("yes")
			}

			return nil
		},
	}
}

// compactOrConvert opens src (under newSchema when converting) and
// either compacts it in place or writes a snapshot copy to dst. The
// source log is locked only for the in-place case; writing a copy does
// not disturb it.
func compactOrConvert(env *Env, src, dst string, newSchema *odb.Schema, comment string) error {
	// The open is read-only either way (the rewrite goes through the
	// replacement protocol, never the original fd), so in-place
	// compaction must ask for the lock explicitly.
	locking := odb.LockingNo
	if dst == "" && !env.NoLocking {
		locking = odb.LockingYes
	}

	db, file, err := odb.OpenFile(env.FS, src, odb.OpenOptions{
		AltSchema: newSchema,
		ReadOnly:  true,
		Locking:   locking,
		Logger:    env.Logger,
	})
	if err != nil {
		return err
	}

	defer file.Close()

	if dst == "" {
		return file.Compact()
	}

	return odb.SaveCopy(env.FS, dst, comment, db)
}

package cli

import (
	"encoding/json"
	"strings"

	"github.com/calvinalkan/opsdb/pkg/fs"
	"github.com/calvinalkan/opsdb/pkg/odb"
)

func cmdDBName() *Command {
	return dbInfoCommand("db-name", "report name of schema used by DB",
		func(s *odb.Schema) string { return s.Name })
}

func cmdDBVersion() *Command {
	return dbInfoCommand("db-version", "report version of schema used by DB",
		func(s *odb.Schema) string { return s.Version })
}

func cmdDBCksum() *Command {
	return dbInfoCommand("db-cksum", "report checksum of schema used by DB",
		func(s *odb.Schema) string { return s.Cksum })
}

func dbInfoCommand(name, short string, field func(*odb.Schema) string) *Command {
	return &Command{
		Usage:   name + " [db]",
		Short:   short,
		MinArgs: 0,
		MaxArgs: 1,
		Exec: func(o *IO, env *Env, args []string) error {
			dbPath := argOrDefault(args, 0, env.DefaultDB())

			schema, err := odb.ReadSchema(env.FS, dbPath)
			if err != nil {
				return err
			}

			o.Println(field(schema))

			return nil
		},
	}
}

func cmdSchemaName() *Command {
	return schemaInfoCommand("schema-name", "report SCHEMA's name",
		func(s *odb.Schema) string { return s.Name })
}

func cmdSchemaVersion() *Command {
	return schemaInfoCommand("schema-version", "report SCHEMA's schema version",
		func(s *odb.Schema) string { return s.Version })
}

func cmdSchemaCksum() *Command {
	return schemaInfoCommand("schema-cksum", "report SCHEMA's checksum",
		func(s *odb.Schema) string { return s.Cksum })
}

func schemaInfoCommand(name, short string, field func(*odb.Schema) string) *Command {
	return &Command{
		Usage:   name + " [schema]",
		Short:   short,
		MinArgs: 0,
		MaxArgs: 1,
		Exec: func(o *IO, env *Env, args []string) error {
			schemaPath := argOrDefault(args, 0, env.DefaultSchema())

			schema, err := odb.SchemaFromFile(env.FS, schemaPath)
			if err != nil {
				return err
			}

			o.Println(field(schema))

			return nil
		},
	}
}

func cmdExtractSchema() *Command {
	return &Command{
		Usage: "extract-schema [db [dst]]",
		Short: "write DB's schema record to DST as JSON",
		Long: "Read DB's schema record and write it to DST as formatted JSON " +
			"(atomically, via a temp file), or to standard output when DST is omitted.",
		MinArgs: 0,
		MaxArgs: 2,
		Exec: func(o *IO, env *Env, args []string) error {
			dbPath := argOrDefault(args, 0, env.DefaultDB())
			dst := argOrDefault(args, 1, "")

			schema, err := odb.ReadSchema(env.FS, dbPath)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(schema.ToJSON(), "", "  ")
			if err != nil {
				return err
			}

			text := string(data) + "\n"

			if dst == "" {
				o.Printf("%s", text)

				return nil
			}

			return fs.NewAtomicWriter(env.FS).WriteWithDefaults(dst, strings.NewReader(text))
		},
	}
}

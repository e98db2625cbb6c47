package cli

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/opsdb/pkg/fs"
	"github.com/calvinalkan/opsdb/pkg/odb"
)

// version is reported by --version and stamped into compaction and
// conversion comments.
const version = "1.0.0"

const (
	defaultDBName     = "opsdb.db"
	defaultSchemaName = "opsdb.schema.json"
)

// Env is the environment a command runs in: filesystem, default paths,
// logging, and the global flag values.
type Env struct {
	FS     fs.FS
	Logger *slog.Logger

	// DBDir is the directory default database and schema paths resolve
	// against.
	DBDir string

	// Verbosity is the accumulated -m count (show-log detail).
	Verbosity int

	// NoLocking disables advisory file locking on every open.
	NoLocking bool
}

// DefaultDB returns the database path used when a command's db argument
// is omitted.
func (e *Env) DefaultDB() string {
	return filepath.Join(e.DBDir, defaultDBName)
}

// DefaultSchema returns the schema path used when a command's schema
// argument is omitted.
func (e *Env) DefaultSchema() string {
	return filepath.Join(e.DBDir, defaultSchemaName)
}

// Locking maps the global --no-locking flag onto the core's locking
// policy.
func (e *Env) Locking() odb.Locking {
	if e.NoLocking {
		return odb.LockingNo
	}

	return odb.LockingAuto
}

// argOrDefault returns args[i], or fallback when args is too short.
func argOrDefault(args []string, i int, fallback string) string {
	if i < len(args) {
		return args[i]
	}

	return fallback
}

// Run is the main entry point. Returns the process exit code. The
// interactive shell reads the terminal directly, so stdin is unused.
func Run(_ io.Reader, out, errOut io.Writer, args []string, env map[string]string, logger *slog.Logger) int {
	o := NewIO(out, errOut)

	globals := flag.NewFlagSet("opsdb", flag.ContinueOnError)
	globals.SetOutput(io.Discard)
	globals.SetInterspersed(false)

	more := globals.CountP("more", "m", "increase show-log verbosity")
	dbDir := globals.String("db-dir", "", "directory for default database and schema paths")
	noLocking := globals.Bool("no-locking", false, "disable file locking (unsafe with concurrent access)")
	showHelp := globals.BoolP("help", "h", false, "display this help message")
	showVersion := globals.BoolP("version", "V", false, "display version information")

	err := globals.Parse(args[1:])
	if err != nil {
		o.ErrPrintln("error:", err)
		printUsage(o.errOut)

		return 1
	}

	if *showVersion {
		o.Println("opsdb", version)

		return 0
	}

	remaining := globals.Args()

	if *showHelp || len(remaining) == 0 {
		printUsage(out)

		return 0
	}

	dir := *dbDir
	if dir == "" {
		dir = env["OPSDB_DIR"]
	}

	if dir == "" {
		dir, err = os.Getwd()
		if err != nil {
			o.ErrPrintln("error: cannot get working directory:", err)

			return 1
		}
	}

	cmdEnv := &Env{
		FS:        fs.NewReal(),
		Logger:    logger,
		DBDir:     dir,
		Verbosity: *more,
		NoLocking: *noLocking,
	}

	name := remaining[0]

	if name == "help" {
		printUsage(out)

		return 0
	}

	if name == "list-commands" {
		for _, c := range commands() {
			o.Println(c.Name())
		}

		return 0
	}

	for _, c := range commands() {
		if c.Name() == name {
			return c.Run(o, cmdEnv, remaining[1:])
		}
	}

	o.ErrPrintln("error: unknown command:", name)
	printUsage(errOut)

	return 1
}

// commands returns the command table. Built per call so each command
// gets a fresh flag set.
func commands() []*Command {
	return []*Command{
		cmdCreate(),
		cmdCompact(),
		cmdConvert(),
		cmdNeedsConversion(),
		cmdDBName(),
		cmdDBVersion(),
		cmdDBCksum(),
		cmdSchemaName(),
		cmdSchemaVersion(),
		cmdSchemaCksum(),
		cmdExtractSchema(),
		cmdQuery(),
		cmdTransact(),
		cmdShowLog(),
		cmdShell(),
	}
}

func printUsage(w io.Writer) {
	o := NewIO(w, w)

	o.Println("opsdb: operational state database management utility")
	o.Println("usage: opsdb [OPTIONS] COMMAND [ARG...]")
	o.Println()
	o.Println("Commands:")

	for _, c := range commands() {
		o.Println(c.HelpLine())
	}

	o.Println()
	o.Println("The default DB is <db-dir>/" + defaultDBName + ".")
	o.Println("The default SCHEMA is <db-dir>/" + defaultSchemaName + ".")
	o.Println("<db-dir> is --db-dir, else $OPSDB_DIR, else the working directory.")
	o.Println()
	o.Println("Options:")
	o.Println("  -m, --more                   increase show-log verbosity")
	o.Println("      --db-dir DIR             directory for default paths")
	o.Println("      --no-locking             disable file locking")
	o.Println("  -h, --help                   display this help message")
	o.Println("  -V, --version                display version information")
}

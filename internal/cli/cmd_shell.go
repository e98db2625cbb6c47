package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/peterh/liner"

	"github.com/calvinalkan/opsdb/pkg/odb"
)

func cmdShell() *Command {
	return &Command{
		Usage: "shell [db]",
		Short: "interactive transaction shell on DB",
		Long: "Open DB read/write and start an interactive shell. Commands: query <txn>, " +
			"transact <txn>, tables, schema, compact, help, quit.",
		MinArgs: 0,
		MaxArgs: 1,
		Exec:    execShell,
	}
}

// shellSession is the interactive command loop over an open database.
type shellSession struct {
	o     *IO
	db    *odb.Database
	file  *odb.File
	liner *liner.State
}

// historyFile returns the path to the shell history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".opsdb_history")
}

func execShell(o *IO, env *Env, args []string) error {
	dbPath := argOrDefault(args, 0, env.DefaultDB())

	db, file, err := odb.OpenFile(env.FS, dbPath, odb.OpenOptions{
		Locking: env.Locking(),
		Logger:  env.Logger,
	})
	if err != nil {
		return err
	}

	defer file.Close()

	session := &shellSession{o: o, db: db, file: file}

	return session.run(dbPath)
}

func (s *shellSession) run(dbPath string) error {
	s.liner = liner.NewLiner()
	defer s.liner.Close()

	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(s.completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = s.liner.ReadHistory(f)
		_ = f.Close()
	}

	s.o.Printf("opsdb shell on %s (%q schema)\n", dbPath, s.db.Schema.Name)
	s.o.Println("Type 'help' for available commands.")
	s.o.Println()

	for {
		line, err := s.liner.Prompt("opsdb> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				s.o.Println()

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		s.liner.AppendHistory(line)

		cmd, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		switch strings.ToLower(cmd) {
		case "exit", "quit", "q":
			s.saveHistory()

			return nil

		case "help", "?":
			s.printHelp()

		case "query":
			s.execute(rest, true)

		case "transact":
			s.execute(rest, false)

		case "tables":
			s.printTables()

		case "schema":
			s.o.Println(marshalIndented(s.db.Schema.ToJSON()))

		case "compact":
			err := s.file.Compact()
			if err != nil {
				s.o.ErrPrintln("error:", err)
			} else {
				s.o.Println("compacted")
			}

		default:
			s.o.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	s.saveHistory()

	return nil
}

func (s *shellSession) execute(txnText string, readOnly bool) {
	if txnText == "" {
		s.o.ErrPrintln("error: missing transaction JSON")

		return
	}

	request, err := odb.ParseJSON([]byte(txnText))
	if err != nil {
		s.o.ErrPrintln("error:", err)

		return
	}

	result, err := odb.Execute(s.db, request, readOnly)
	if err != nil {
		s.o.ErrPrintln("error:", err)

		return
	}

	s.o.Println(renderJSON(result))
}

func (s *shellSession) printTables() {
	names := make([]string, 0, len(s.db.Tables))
	for name := range s.db.Tables {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		s.o.Printf("%s (%d rows)\n", name, len(s.db.Tables[name].Rows))
	}
}

func (s *shellSession) printHelp() {
	s.o.Println("Commands:")
	s.o.Println("  query <txn>     execute a read-only transaction")
	s.o.Println("  transact <txn>  execute a read/write transaction")
	s.o.Println("  tables          list tables and row counts")
	s.o.Println("  schema          print the database schema")
	s.o.Println("  compact         compact the database log")
	s.o.Println("  help            show this help")
	s.o.Println("  quit            exit the shell")
}

// saveHistory persists command history to disk. The write is atomic so
// an interrupted save cannot clobber the previous history.
func (s *shellSession) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	var buf bytes.Buffer

	_, err := s.liner.WriteHistory(&buf)
	if err != nil {
		return
	}

	_ = atomic.WriteFile(path, &buf)
}

// completer provides tab completion for shell commands.
func (s *shellSession) completer(line string) []string {
	var completions []string

	for _, cmd := range []string{"query", "transact", "tables", "schema", "compact", "help", "quit"} {
		if strings.HasPrefix(cmd, strings.ToLower(line)) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

// marshalIndented renders a JSON value with indentation for display.
func marshalIndented(value any) string {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf("<unserializable: %v>", err)
	}

	return string(data)
}

// renderJSON renders a JSON value compactly for display.
func renderJSON(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("<unserializable: %v>", err)
	}

	return string(data)
}

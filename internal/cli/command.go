// Package cli implements the opsdb command-line surface: a set of
// maintenance commands over the database log (create, compact, convert,
// inspect, execute transactions) dispatched from a single entry point.
package cli

import (
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command defines a CLI command with unified help generation.
type Command struct {
	// Flags defines command-specific flags, if any.
	Flags *flag.FlagSet

	// Usage is the freeform usage string shown after "opsdb" in help.
	// Includes the command name and arguments.
	// Examples: "create [db [schema]]", "show-log [db]"
	Usage string

	// Short is a one-line description for the global help listing.
	Short string

	// Long is the full description shown in command help.
	// If empty, Short is used instead.
	Long string

	// MinArgs and MaxArgs bound the positional argument count after
	// flag parsing.
	MinArgs int
	MaxArgs int

	// Exec runs the command after flags are parsed.
	Exec func(o *IO, env *Env, args []string) error
}

// Name returns the command name (first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine returns the short help line for the main usage display.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Usage, c.Short)
}

// PrintHelp prints the full help output for "opsdb <cmd> --help".
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: opsdb", c.Usage)
	o.Println()

	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Println(desc)

	if c.Flags != nil && c.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")

		var buf strings.Builder
		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		o.Printf("%s", buf.String())
	}
}

// Run parses flags, validates argument counts, and executes the
// command. Returns the process exit code. Error printing happens here
// for consistent output ordering.
func (c *Command) Run(o *IO, env *Env, args []string) int {
	if c.Flags == nil {
		c.Flags = flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	}

	c.Flags.SetOutput(&strings.Builder{}) // discard pflag output

	err := c.Flags.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)

			return 0
		}

		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o)

		return 1
	}

	positional := c.Flags.Args()

	if len(positional) < c.MinArgs || (c.MaxArgs >= 0 && len(positional) > c.MaxArgs) {
		o.ErrPrintln("error: wrong number of arguments")
		o.ErrPrintln()
		c.PrintHelp(o)

		return 1
	}

	if err := c.Exec(o, env, positional); err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	return 0
}

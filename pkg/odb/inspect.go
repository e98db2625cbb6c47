package odb

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/calvinalkan/opsdb/pkg/fs"
)

// ShowLogOptions configures [ShowLog].
type ShowLogOptions struct {
	// W receives the report. Nil means [os.Stdout].
	W io.Writer

	// Verbosity selects detail: 0 prints record headers, 1 adds
	// per-row changes, 2 adds per-column values.
	Verbosity int
}

// ShowLog reads the log at path record by record and renders a
// human-readable report. It recognizes both the standalone and the
// clustered log flavor and dispatches on the file's magic.
func ShowLog(fsys fs.FS, path string, opts ShowLogOptions) error {
	if opts.W == nil {
		opts.W = os.Stdout
	}

	log, err := OpenLog(fsys, path, MagicAny, ModeReadOnly, LockingAuto)
	if err != nil {
		return err
	}

	defer log.Close()

	if log.Magic() == MagicStandalone {
		return showLogStandalone(log, opts)
	}

	return showLogCluster(log, opts.W)
}

func showLogStandalone(log *Log, opts ShowLogOptions) error {
	w := opts.W

	// Rows rarely carry their UUID in a legible form, so the renderer
	// tracks a last-known name per row: the "name" column if the row has
	// one, else the first eight UUID characters.
	names := make(map[string]string)

	var schema *Schema

	for i := 0; ; i++ {
		value, ok, err := log.Read()
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		fmt.Fprintf(w, "record %d:", i)

		if i == 0 {
			schema, err = SchemaFromJSON(value)
			if err != nil {
				return err
			}

			fmt.Fprintf(w, " %q schema, version=%q, cksum=%q\n",
				schema.Name, schema.Version, schema.Cksum)
		} else if obj, isObj := value.(map[string]any); isObj {
			if date, present := obj[deltaKeyDate].(json.Number); present {
				t, err := date.Int64()
				if err == nil {
					fmt.Fprintf(w, " %s", formatRecordDate(t))
				}
			}

			if comment, present := obj[deltaKeyComment].(string); present {
				fmt.Fprintf(w, " %q", comment)
			}

			if opts.Verbosity > 0 {
				fmt.Fprintln(w)
				printDBChanges(w, obj, names, schema, opts.Verbosity)
			}
		}

		fmt.Fprintln(w)
	}
}

// formatRecordDate renders a _date value as local time with millisecond
// precision. Old databases recorded _date in seconds; a value that fits
// in a signed 32-bit integer is re-interpreted as seconds. (Valid
// millisecond timestamps exceeded 2^31 in 1970; any modern timestamp is
// far past it.)
func formatRecordDate(t int64) string {
	if t <= math.MaxInt32 {
		t *= 1000
	}

	return time.UnixMilli(t).Local().Format("2006-01-02 15:04:05.000")
}

func printDBChanges(w io.Writer, tables map[string]any, names map[string]string, schema *Schema, verbosity int) {
	for _, tableName := range sortedKeys(tables) {
		rows, isObj := tables[tableName].(map[string]any)
		if len(tableName) == 0 || tableName[0] == '_' || !isObj {
			continue
		}

		var tableSchema *TableSchema
		if schema != nil {
			tableSchema = schema.Tables[tableName]
		}

		for _, rowUUID := range sortedKeys(rows) {
			columns := rows[rowUUID]

			oldName, hadName := names[rowUUID]
			newName := oldName

			if columnObj, isObj := columns.(map[string]any); isObj {
				if nameValue, present := columnObj["name"]; present {
					newName = compactJSON(nameValue)
				}
			}

			fmt.Fprintf(w, "\ttable %s", tableName)

			switch {
			case !hadName && newName != "":
				fmt.Fprintf(w, " insert row %s (%.8s):\n", newName, rowUUID)
			case !hadName:
				fmt.Fprintf(w, " insert row %.8s:\n", rowUUID)
			default:
				fmt.Fprintf(w, " row %s (%.8s):\n", oldName, rowUUID)
			}

			switch columnObj := columns.(type) {
			case map[string]any:
				if verbosity > 1 {
					printRowColumns(w, columnObj, tableSchema)
				}

				if !hadName || newName != oldName {
					if newName != "" {
						names[rowUUID] = newName
					} else {
						names[rowUUID] = rowUUID[:min(8, len(rowUUID))]
					}
				}
			case nil:
				fmt.Fprintf(w, "\t\tdelete row\n")
				delete(names, rowUUID)
			}
		}
	}
}

func printRowColumns(w io.Writer, columns map[string]any, tableSchema *TableSchema) {
	for _, columnName := range sortedKeys(columns) {
		value := columns[columnName]

		rendered := ""

		if tableSchema != nil {
			if column := tableSchema.Column(columnName); column != nil {
				datum, err := datumFromJSON(column.Type, value)
				if err == nil {
					rendered = datum.String(column.Type)
				}
			}
		}

		if rendered == "" {
			rendered = compactJSON(value)
		}

		fmt.Fprintf(w, "\t\t%s=%s\n", columnName, rendered)
	}
}

// showLogCluster renders a clustered-format log. It only identifies
// known fields by name and prints them; it does no semantic validation.
func showLogCluster(log *Log, w io.Writer) error {
	for i := 0; ; i++ {
		value, ok, err := log.Read()
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		obj, isObj := value.(map[string]any)
		if !isObj {
			obj = map[string]any{}
		}

		fmt.Fprintf(w, "record %d:\n", i)

		if i == 0 {
			printMember(w, obj, "name")
			printMember(w, obj, "address")
			printShortUUID(w, obj, "server_id")
			printShortUUID(w, obj, "cluster_id")

			printServers(w, obj, "prev_servers")
			printMember(w, obj, "prev_term")
			printMember(w, obj, "prev_index")
			printClusterData(w, obj, "prev_data")

			printMember(w, obj, "remotes")
		} else {
			printMember(w, obj, "term")
			printMember(w, obj, "index")
			printClusterData(w, obj, "data")
			printServers(w, obj, "servers")
			printShortUUID(w, obj, "vote")
		}

		fmt.Fprintln(w)
	}
}

func printMember(w io.Writer, obj map[string]any, name string) {
	value, present := obj[name]
	if !present {
		return
	}

	fmt.Fprintf(w, "\t%s: %s\n", name, compactJSON(value))
}

func printShortUUID(w io.Writer, obj map[string]any, name string) {
	value, present := obj[name]
	if !present {
		return
	}

	fmt.Fprintf(w, "\t%s: ", name)

	if s, isString := value.(string); isString {
		fmt.Fprintf(w, "%.4s\n", s)
	} else {
		fmt.Fprintf(w, "***invalid***\n")
	}
}

func printServers(w io.Writer, obj map[string]any, name string) {
	value, present := obj[name]
	if !present {
		return
	}

	fmt.Fprintf(w, "\t%s: ", name)

	servers, isObj := value.(map[string]any)
	if !isObj {
		fmt.Fprintf(w, "***invalid %s***\n", name)

		return
	}

	for i, serverID := range sortedKeys(servers) {
		if i > 0 {
			fmt.Fprint(w, ", ")
		}

		fmt.Fprintf(w, "%.4s(", serverID)

		if address, isString := servers[serverID].(string); isString {
			fmt.Fprint(w, address)
		} else {
			fmt.Fprint(w, "***invalid***")
		}

		fmt.Fprint(w, ")")
	}

	fmt.Fprintln(w)
}

func printClusterData(w io.Writer, obj map[string]any, name string) {
	value, present := obj[name]
	if !present {
		return
	}

	data, isArray := value.([]any)
	if !isArray || len(data) != 2 {
		fmt.Fprintf(w, "\t***invalid data***\n")

		return
	}

	if data[0] != nil {
		schema, err := SchemaFromJSON(data[0])
		if err != nil {
			return
		}

		fmt.Fprintf(w, "\tschema: %q, version=%q, cksum=%q\n",
			schema.Name, schema.Version, schema.Cksum)
	}

	fmt.Fprintf(w, "\t%s: %s\n", name, compactJSON(data[1]))
}

func sortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// compactJSON renders a decoded JSON value back to its compact textual
// form for display.
func compactJSON(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("<unserializable: %v>", err)
	}

	return string(data)
}

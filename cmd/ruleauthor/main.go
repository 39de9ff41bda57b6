// Command ruleauthor edits and inspects .ruleml fact documents
// (RuleFolder.<version>/<operation>/Service.ruleml, §6.4) without
// requiring a full struct round-trip: reads use github.com/tidwall/gjson
// the same way rules/fileengine does, writes use gjson's write-side
// counterpart github.com/tidwall/sjson so a single field or row can be
// added or changed in place, in the two-phase validate-then-apply shape
// the teacher corpus uses for destructive edits (parse and check first,
// only then touch disk).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "add-row":
		err = runAddRow(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	case "set":
		err = runSet(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ruleauthor:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: ruleauthor <command> [flags]

commands:
  init     -path FILE                                create an empty Service.ruleml document
  add-row  -path FILE -relation NAME -json ROW        append a fact row to a relation
  list     -path FILE -relation NAME                  print every row of a relation
  set      -path FILE -relation NAME -index N -field F -value V
                                                       overwrite one field of one existing row`)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", "", "destination Service.ruleml path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("init: -path is required")
	}
	if _, err := os.Stat(*path); err == nil {
		return fmt.Errorf("init: %s already exists", *path)
	}
	if err := os.MkdirAll(filepath.Dir(*path), 0o755); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	return os.WriteFile(*path, []byte("{}\n"), 0o644)
}

// runAddRow validates the candidate row is well-formed JSON (phase one)
// before touching disk (phase two): sjson.SetRawBytes would happily
// splice malformed text into the document, so the row is first decoded
// through gjson to reject that before any write occurs.
func runAddRow(args []string) error {
	fs := flag.NewFlagSet("add-row", flag.ExitOnError)
	path := fs.String("path", "", "Service.ruleml path")
	relation := fs.String("relation", "", "relation name, e.g. canonicalBinding")
	row := fs.String("json", "", `row object, e.g. {"returnAttr":"out","input":"x"}`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || *relation == "" || *row == "" {
		return fmt.Errorf("add-row: -path, -relation, and -json are all required")
	}
	if !gjson.Valid(*row) {
		return fmt.Errorf("add-row: -json is not a valid JSON object")
	}

	data, err := os.ReadFile(*path)
	if err != nil {
		return fmt.Errorf("add-row: %w", err)
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("add-row: %s is not a valid JSON document", *path)
	}

	next := len(gjson.GetBytes(data, *relation).Array())
	path2 := fmt.Sprintf("%s.%d", *relation, next)
	out, err := sjson.SetRawBytes(data, path2, []byte(*row))
	if err != nil {
		return fmt.Errorf("add-row: %w", err)
	}
	return os.WriteFile(*path, out, 0o644)
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	path := fs.String("path", "", "Service.ruleml path")
	relation := fs.String("relation", "", "relation name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || *relation == "" {
		return fmt.Errorf("list: -path and -relation are both required")
	}

	data, err := os.ReadFile(*path)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	rows := gjson.GetBytes(data, *relation).Array()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for i, row := range rows {
		fmt.Printf("# row %d\n", i)
		if err := enc.Encode(json.RawMessage(row.Raw)); err != nil {
			return fmt.Errorf("list: %w", err)
		}
	}
	return nil
}

// runSet overwrites a single field of a single already-existing row,
// leaving every other row and field untouched — sjson edits the
// document text in place rather than round-tripping the whole thing
// through a Go struct.
func runSet(args []string) error {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	path := fs.String("path", "", "Service.ruleml path")
	relation := fs.String("relation", "", "relation name")
	index := fs.Int("index", -1, "zero-based row index within the relation")
	field := fs.String("field", "", "field name within the row")
	value := fs.String("value", "", "new field value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || *relation == "" || *index < 0 || *field == "" {
		return fmt.Errorf("set: -path, -relation, -index (>=0), and -field are all required")
	}

	data, err := os.ReadFile(*path)
	if err != nil {
		return fmt.Errorf("set: %w", err)
	}
	rowPath := fmt.Sprintf("%s.%d", *relation, *index)
	if !gjson.GetBytes(data, rowPath).Exists() {
		return fmt.Errorf("set: %s has no row %d", *relation, *index)
	}

	out, err := sjson.SetBytes(data, rowPath+"."+*field, *value)
	if err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return os.WriteFile(*path, out, 0o644)
}

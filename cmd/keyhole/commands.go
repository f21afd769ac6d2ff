package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keyhole-db/keyhole"
)

func init() {
	rootCmd.AddCommand(collectionsCmd, getCmd, scanCmd, rebuildCmd)

	scanCmd.Flags().String("field", "#", "field path to scan (\"#\" = primary-key order)")
	scanCmd.Flags().String("eq", "", "exact value to match")
	scanCmd.Flags().String("from", "", "inclusive lower bound")
	scanCmd.Flags().String("to", "", "exclusive upper bound")
	scanCmd.Flags().Bool("reverse", false, "descending order")
	scanCmd.Flags().Int("limit", 0, "maximum number of results (0 = unlimited)")
	scanCmd.Flags().Bool("keys-only", false, "print primary keys without fetching records")
}

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List registered collections and their indexes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		infos, err := db.ListCollections()
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Printf("%s\t[%s]", info.Name, strings.Join(info.FieldPaths, ", "))
			if info.ShapeName != "" {
				fmt.Printf("\t(%s)", info.ShapeName)
			}
			fmt.Println()
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read the record stored under a primary key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		record, err := db.Get(args[0])
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("key %q not found", args[0])
		}
		return printJSON(args[0], record)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan <collection>",
	Short: "Query a collection through one of its indexes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		flags := cmd.Flags()
		field := must(flags.GetString("field"))
		q := keyhole.NewQuery(args[0], field)
		if flags.Changed("eq") {
			q = q.Eq(parseValue(must(flags.GetString("eq"))))
		}
		if flags.Changed("from") {
			q = q.From(parseValue(must(flags.GetString("from"))))
		}
		if flags.Changed("to") {
			q = q.To(parseValue(must(flags.GetString("to"))))
		}
		if must(flags.GetBool("reverse")) {
			q = q.Reversed()
		}
		q = q.Limit(must(flags.GetInt("limit")))

		c, err := db.Search(q)
		if err != nil {
			return err
		}
		defer c.Close()

		keysOnly := must(flags.GetBool("keys-only"))
		for c.Next() {
			if keysOnly {
				fmt.Println(c.Key())
				continue
			}
			record, err := c.Value()
			if err != nil {
				return err
			}
			if err := printJSON(c.Key(), record); err != nil {
				return err
			}
		}
		return c.Err()
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <collection>",
	Short: "Regenerate all index entries of a collection from its records",
	Long: `Regenerate all index entries of a collection from its primary records.
Required after registering an index on a collection that already holds
data. Pause writers to the collection while this runs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Rebuild(args[0])
	},
}

// parseValue interprets a flag value: "null" is the absent sentinel,
// booleans and numbers parse to their own types, anything else is a
// string. Quote with a leading \ to force a literal string.
func parseValue(s string) any {
	if strings.HasPrefix(s, `\`) {
		return s[1:]
	}
	switch s {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func printJSON(key string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", key, data)
	return nil
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

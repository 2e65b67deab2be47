// Command veloxctl is a minimal CLI demonstrating the public engine API:
// put/get/delete/scan against an embedded database directory.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/oarkflow/veloxkv"
)

func dbPath() string {
	if p := os.Getenv("VELOXKV_DB_PATH"); p != "" {
		return p
	}
	return "./veloxkvdb"
}

func openDB() (*velox.DB, error) {
	return velox.Open(velox.Config{Path: dbPath()})
}

func main() {
	cmd := &cli.Command{
		Name:  "veloxctl",
		Usage: "inspect and drive an embedded velox database from the command line",
		Commands: []*cli.Command{
			putCommand(),
			getCommand(),
			deleteCommand(),
			scanCommand(),
			infoCommand(),
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "store a key-value pair",
		ArgsUsage: "<key> <value>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("usage: veloxctl put <key> <value>")
			}
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			key, value := c.Args().Get(0), c.Args().Get(1)
			if err := db.Put([]byte(key), []byte(value)); err != nil {
				return fmt.Errorf("put failed: %w", err)
			}
			fmt.Fprintf(c.Root().Writer, "stored %q (%d bytes)\n", key, len(value))
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "retrieve a value by key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("usage: veloxctl get <key>")
			}
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			value, err := db.Get([]byte(c.Args().Get(0)))
			if err != nil {
				return fmt.Errorf("get failed: %w", err)
			}
			fmt.Fprintln(c.Root().Writer, string(value))
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "remove a key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("usage: veloxctl delete <key>")
			}
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Delete([]byte(c.Args().Get(0))); err != nil {
				return fmt.Errorf("delete failed: %w", err)
			}
			fmt.Fprintf(c.Root().Writer, "deleted %q\n", c.Args().Get(0))
			return nil
		},
	}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "list key-value pairs in a range",
		ArgsUsage: "[start] [end]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 100, Usage: "max rows to print"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			var start, end []byte
			if c.Args().Len() > 0 {
				start = []byte(c.Args().Get(0))
			}
			if c.Args().Len() > 1 {
				end = []byte(c.Args().Get(1))
			}
			rows, err := db.Scan(start, end, c.Int("limit"))
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}
			for _, row := range rows {
				fmt.Fprintf(c.Root().Writer, "%s = %s\n", row.Key, row.Value)
			}
			return nil
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "print engine statistics",
		Action: func(ctx context.Context, c *cli.Command) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			info := db.Info()
			stats := db.Stats()
			fmt.Fprintf(c.Root().Writer, "path: %s\n", info.Path)
			fmt.Fprintf(c.Root().Writer, "memtable entries: %d\n", info.MemTableEntries)
			fmt.Fprintf(c.Root().Writer, "immutable memtables: %d\n", info.ImmutableMemTables)
			fmt.Fprintf(c.Root().Writer, "next lsn: %d\n", info.NextLSN)
			fmt.Fprintf(c.Root().Writer, "cache hit ratio: %.4f\n", stats.HitRatio)
			return nil
		},
	}
}

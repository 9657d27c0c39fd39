package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sotomayorlucas/vaultos/internal/engine"
	"github.com/sotomayorlucas/vaultos/internal/friendly"
	"github.com/sotomayorlucas/vaultos/internal/query"
)

// shellPID is the caller pid stamped on rows inserted from the shell.
const shellPID = 1

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive shell over an image (friendly commands or SQL)",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, dev, err := openEngine()
		if err != nil {
			return err
		}
		defer dev.Close()
		defer e.Close()

		fmt.Println("vaultos shell — type 'tables' to look around, 'exit' to leave")
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("vaultos> ")
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			switch line {
			case "":
				continue
			case "exit", "quit":
				return finish(e, dev)
			case "flush":
				if err := e.Flush(); err != nil {
					fmt.Println("flush failed:", err)
				} else {
					fmt.Println("flushed")
				}
				continue
			}
			runLine(e, line)
		}
		return finish(e, dev)
	},
}

func finish(e *engine.Engine, dev interface{ Sync() error }) error {
	if err := e.Flush(); err != nil {
		return err
	}
	return dev.Sync()
}

func runLine(e *engine.Engine, line string) {
	sql, ok := friendly.Translate(line)
	if !ok {
		slog.Debug("not my syntax", "line", line)
		sql = line
	}

	res := query.Exec(e, sql, shellPID)
	if res.Code != engine.OK {
		fmt.Println("error:", res.Message)
		if res.Code == engine.CodeSyntax && !ok {
			if verb := strings.Fields(line); len(verb) > 0 {
				if s := friendly.Suggest(verb[0]); s != "" && !strings.EqualFold(s, verb[0]) {
					fmt.Printf("did you mean '%s'?\n", s)
				}
			}
		}
		return
	}
	renderResult(res)
}

func renderResult(res *query.Result) {
	if len(res.Rows) == 0 {
		if res.Message != "" {
			fmt.Println(res.Message)
		} else {
			fmt.Println("0 row(s)")
		}
		return
	}

	w := table.NewWriter()
	w.SetOutputMirror(os.Stdout)
	w.SetStyle(table.StyleLight)

	if s := res.Schema; s != nil {
		header := table.Row{}
		for _, col := range s.Columns {
			header = append(header, col.Name)
		}
		w.AppendHeader(header)
	}
	for _, rec := range res.Rows {
		row := table.Row{}
		for i := 0; i < int(rec.FieldCount); i++ {
			if f := rec.Fields[i]; f != nil {
				row = append(row, f.String())
			} else {
				row = append(row, "")
			}
		}
		w.AppendRow(row)
	}
	w.Render()
	fmt.Printf("%d row(s)\n", len(res.Rows))
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

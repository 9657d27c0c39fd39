package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sotomayorlucas/vaultos/internal/engine"
	"github.com/sotomayorlucas/vaultos/internal/query"
)

var queryCmd = &cobra.Command{
	Use:   "query 'SQL'",
	Short: "Execute one SQL statement against an image",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, dev, err := openEngine()
		if err != nil {
			return err
		}
		defer dev.Close()
		defer e.Close()

		res := query.Exec(e, strings.Join(args, " "), shellPID)
		if res.Code != engine.OK {
			return fmt.Errorf("query failed (%d): %s", res.Code, res.Message)
		}
		renderResult(res)
		return finish(e, dev)
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
}

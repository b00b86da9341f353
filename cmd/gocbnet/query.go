package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/couchbaselabs/gocbnet"
)

var queryCmd = &cobra.Command{
	Use:                "query <statement>",
	Short:              "Run a N1QL statement and print its rows",
	Args:               cobra.ExactArgs(1),
	PersistentPreRunE:  connectAgent,
	PersistentPostRunE: closeAgent,
	RunE: func(cmd *cobra.Command, args []string) error {
		readOnly, _ := cmd.Flags().GetBool("readonly")
		payload, err := json.Marshal(map[string]interface{}{
			"statement": args[0],
			"readonly":  readOnly,
		})
		if err != nil {
			return err
		}

		ctx, cancel := opContext()
		defer cancel()

		rows, err := agent.N1QLQuerySync(ctx, gocbnet.N1QLQueryOptions{
			Payload:  payload,
			Deadline: opDeadline(),
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = rows.Close()
		}()

		for row := rows.NextRow(); row != nil; row = rows.NextRow() {
			fmt.Println(string(row))
		}
		if err := rows.Err(); err != nil {
			return err
		}

		meta, err := rows.MetaData()
		if err != nil {
			return err
		}
		fmt.Printf("-- %s\n", meta)
		return nil
	},
}

func init() {
	queryCmd.Flags().Bool("readonly", false, "mark the statement as read only so it may be retried")
}

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/couchbaselabs/gocbnet"
)

var diagCmd = &cobra.Command{
	Use:                "diag",
	Short:              "Print the state of every KV connection",
	Args:               cobra.NoArgs,
	PersistentPreRunE:  connectAgent,
	PersistentPostRunE: closeAgent,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := agent.Diagnostics(gocbnet.DiagnosticsOptions{})
		if err != nil {
			return err
		}

		type connJSON struct {
			ID           string `json:"id"`
			Local        string `json:"local"`
			Remote       string `json:"remote"`
			State        string `json:"state"`
			LastActivity string `json:"last_activity,omitempty"`
		}
		out := struct {
			Rev   int64      `json:"rev"`
			State string     `json:"state"`
			Conns []connJSON `json:"connections"`
		}{
			Rev:   info.ConfigRev,
			State: info.State.String(),
		}
		for _, conn := range info.MemdConns {
			c := connJSON{
				ID:     conn.ID,
				Local:  conn.LocalAddr,
				Remote: conn.RemoteAddr,
				State:  conn.State.String(),
			}
			if !conn.LastActivity.IsZero() {
				c.LastActivity = conn.LastActivity.String()
			}
			out.Conns = append(out.Conns, c)
		}

		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	},
}

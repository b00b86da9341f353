package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/couchbaselabs/gocbnet"
)

var (
	getCmd = &cobra.Command{
		Use:                "get <key>",
		Short:              "Fetch a document",
		Args:               cobra.ExactArgs(1),
		PersistentPreRunE:  connectAgent,
		PersistentPostRunE: closeAgent,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opContext()
			defer cancel()

			res, err := agent.GetSync(ctx, gocbnet.GetOptions{
				Key:      []byte(args[0]),
				Deadline: opDeadline(),
			})
			if err != nil {
				return err
			}

			fmt.Printf("cas=%d flags=%#x\n%s\n", res.Cas, res.Flags, res.Value)
			return nil
		},
	}

	upsertCmd = &cobra.Command{
		Use:                "upsert <key> <value>",
		Short:              "Store a document, creating it if needed",
		Args:               cobra.ExactArgs(2),
		PersistentPreRunE:  connectAgent,
		PersistentPostRunE: closeAgent,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseDurability(viper.GetString("durability"))
			if err != nil {
				return err
			}

			ctx, cancel := opContext()
			defer cancel()

			res, err := agent.UpsertSync(ctx, gocbnet.UpsertOptions{
				Key:    []byte(args[0]),
				Value:  []byte(args[1]),
				Expiry: viper.GetUint32("expiry"),
				Durability: gocbnet.DurabilityOptions{
					DurabilityLevel: level,
					ReplicateTo:     viper.GetUint("replicate-to"),
					PersistTo:       viper.GetUint("persist-to"),
				},
				Deadline: opDeadline(),
			})
			if err != nil {
				return err
			}

			fmt.Printf("cas=%d vb=%d seqno=%d\n", res.Cas, res.MutationToken.VbID, res.MutationToken.SeqNo)
			return nil
		},
	}

	removeCmd = &cobra.Command{
		Use:                "remove <key>",
		Short:              "Delete a document",
		Args:               cobra.ExactArgs(1),
		PersistentPreRunE:  connectAgent,
		PersistentPostRunE: closeAgent,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opContext()
			defer cancel()

			res, err := agent.DeleteSync(ctx, gocbnet.DeleteOptions{
				Key:      []byte(args[0]),
				Deadline: opDeadline(),
			})
			if err != nil {
				return err
			}

			fmt.Printf("cas=%d\n", res.Cas)
			return nil
		},
	}
)

func init() {
	upsertCmd.Flags().Uint32("expiry", 0, "expiry of the document in seconds")
	upsertCmd.Flags().String("durability", "none", "synchronous durability (none, majority, majority-persist-active, persist-majority)")
	upsertCmd.Flags().Uint("replicate-to", 0, "replicas the write must reach, observed by polling")
	upsertCmd.Flags().Uint("persist-to", 0, "nodes the write must be persisted on, observed by polling")
}

func parseDurability(name string) (gocbnet.DurabilityLevel, error) {
	switch name {
	case "", "none":
		return gocbnet.DurabilityLevelNone, nil
	case "majority":
		return gocbnet.DurabilityLevelMajority, nil
	case "majority-persist-active":
		return gocbnet.DurabilityLevelMajorityAndPersistOnMaster, nil
	case "persist-majority":
		return gocbnet.DurabilityLevelPersistToMajority, nil
	}
	return 0, fmt.Errorf("invalid durability level %s", name)
}

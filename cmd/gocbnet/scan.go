package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/couchbaselabs/gocbnet"
)

var scanCmd = &cobra.Command{
	Use:                "scan",
	Short:              "Scan the keys of a collection",
	Args:               cobra.NoArgs,
	PersistentPreRunE:  connectAgent,
	PersistentPostRunE: closeAgent,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := gocbnet.RangeScanOptions{
			CollectionID:   viper.GetUint32("collection-id"),
			KeysOnly:       !viper.GetBool("values"),
			Sort:           viper.GetBool("sort"),
			ItemLimit:      viper.GetUint32("item-limit"),
			MaxConcurrency: viper.GetInt("concurrency"),
			Deadline:       opDeadline(),
		}
		if from, to := viper.GetString("from"), viper.GetString("to"); from != "" || to != "" {
			opts.Range = &gocbnet.RangeScanCreateRangeScanConfig{
				Start: []byte(from),
				End:   []byte(to),
			}
			if to == "" {
				opts.Range.End = []byte{0xff}
			}
		}

		ctx, cancel := opContext()
		defer cancel()

		res, err := agent.RangeScan(ctx, opts)
		if err != nil {
			return err
		}
		defer res.Close()

		count := 0
		for {
			item, err := res.Next(ctx)
			if err != nil {
				return err
			}
			if item == nil {
				break
			}

			count++
			if opts.KeysOnly {
				fmt.Printf("%s\n", item.Key)
			} else {
				fmt.Printf("%s cas=%d %s\n", item.Key, item.Cas, item.Value)
			}
		}

		fmt.Printf("-- %d items\n", count)
		return nil
	},
}

func init() {
	scanCmd.Flags().Uint32("collection-id", 0, "collection to scan")
	scanCmd.Flags().String("from", "", "first key of the range")
	scanCmd.Flags().String("to", "", "last key of the range")
	scanCmd.Flags().Bool("values", false, "fetch document bodies as well as keys")
	scanCmd.Flags().Bool("sort", false, "merge the vbucket streams into key order")
	scanCmd.Flags().Uint32("item-limit", 50, "items requested per continue")
	scanCmd.Flags().Int("concurrency", 8, "vbuckets scanned in parallel")
}

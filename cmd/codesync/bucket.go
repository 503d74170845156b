package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/studioclass/codesync/pkg/client"
)

// Bucket administration talks to a running server over the same wire
// protocol peers use, authenticated with a service token.

var (
	bucketServer string
	bucketToken  string
)

var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "Administer workspace buckets",
}

func init() {
	bucketCmd.PersistentFlags().StringVar(&bucketServer, "server", "http://localhost:8443", "Sync server base URL")
	bucketCmd.PersistentFlags().StringVar(&bucketToken, "token", "", "Service token")

	bucketCmd.AddCommand(bucketCreateCmd)
	bucketCmd.AddCommand(bucketCloneCmd)
	bucketCmd.AddCommand(bucketTombstoneCmd)
	bucketCmd.AddCommand(bucketLsCmd)
}

func dialService() (*client.Client, error) {
	if bucketToken == "" {
		return nil, fmt.Errorf("--token is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.Dial(ctx, bucketServer, bucketToken)
}

var bucketCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new workspace bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		region, _ := cmd.Flags().GetString("region")
		template, _ := cmd.Flags().GetBool("template")

		c, err := dialService()
		if err != nil {
			return err
		}
		defer c.Close()

		b, err := c.CreateBucket(args[0], region, template)
		if err != nil {
			return err
		}
		fmt.Printf("Created bucket %s (name=%s region=%s template=%v)\n",
			b.ID, b.Name, b.Region, b.IsTemplate)
		return nil
	},
}

func init() {
	bucketCreateCmd.Flags().String("region", "", "Bucket region label")
	bucketCreateCmd.Flags().Bool("template", false, "Mark the bucket as a template")
}

var bucketCloneCmd = &cobra.Command{
	Use:   "clone BUCKET_ID",
	Short: "Deep-copy a bucket server-side",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialService()
		if err != nil {
			return err
		}
		defer c.Close()

		b, err := c.CloneBucket(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Cloned %s -> %s\n", args[0], b.ID)
		return nil
	},
}

var bucketTombstoneCmd = &cobra.Command{
	Use:   "tombstone BUCKET_ID",
	Short: "Soft-delete a bucket; reads keep working, writes are rejected",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialService()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.TombstoneBucket(args[0]); err != nil {
			return err
		}
		fmt.Printf("Tombstoned bucket %s\n", args[0])
		return nil
	},
}

var bucketLsCmd = &cobra.Command{
	Use:   "ls BUCKET_ID",
	Short: "List the files in a bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialService()
		if err != nil {
			return err
		}
		defer c.Close()

		paths, err := c.ListFiles(args[0])
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Println(p)
		}
		return nil
	},
}

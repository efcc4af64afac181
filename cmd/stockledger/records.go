package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/stockledger/internal/app"
)

func newRecordsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Read and write records of a collection",
		Long: `Read and write records of parts, suppliers, invoices or transactions.

Writes are committed locally first and pushed to the remote when it is
reachable; otherwise they wait in the outbox for the next sync.`,
	}

	var list app.ListParams
	listCmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "List records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(cmd, v, args[0], func(ctx context.Context, c app.Collection) error {
				recs, err := c.List(ctx, list)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
	listCmd.Flags().StringVar(&list.OrderBy, "order-by", "", "field to order by (default id)")
	listCmd.Flags().BoolVar(&list.Desc, "desc", false, "descending order")
	listCmd.Flags().IntVar(&list.Limit, "limit", 0, "maximum number of records")
	listCmd.Flags().IntVar(&list.Offset, "offset", 0, "records to skip (with --limit)")
	listCmd.Flags().BoolVar(&list.Fresh, "fresh", false, "pull from the remote before reading")

	var fresh bool
	getCmd := &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(cmd, v, args[0], func(ctx context.Context, c app.Collection) error {
				rec, err := c.Get(ctx, args[1], fresh)
				if err != nil {
					return err
				}
				pending, err := c.IsPending(ctx, args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{"record": rec, "pending": pending})
			})
		},
	}
	getCmd.Flags().BoolVar(&fresh, "fresh", false, "pull from the remote before reading")

	var data string
	putCmd := &cobra.Command{
		Use:   "put <collection> [id]",
		Short: "Create or update a record",
		Long: `Create or update a record from JSON fields given with --data, or read
from standard input when --data is "-". Without an id a new one is
generated.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := readFields(cmd.InOrStdin(), data)
			if err != nil {
				return err
			}
			var id string
			if len(args) == 2 {
				id = args[1]
			}
			return withCollection(cmd, v, args[0], func(ctx context.Context, c app.Collection) error {
				rec, err := c.Put(ctx, id, fields)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	putCmd.Flags().StringVar(&data, "data", "", `record fields as JSON, or "-" for stdin`)

	deleteCmd := &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(cmd, v, args[0], func(ctx context.Context, c app.Collection) error {
				if err := c.Delete(ctx, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, getCmd, putCmd, deleteCmd)
	return cmd
}

func withCollection(cmd *cobra.Command, v *viper.Viper, name string, fn func(ctx context.Context, c app.Collection) error) error {
	return withApp(cmd, v, func(ctx context.Context, a *app.App) error {
		c, err := a.Collection(name)
		if err != nil {
			return err
		}
		return fn(ctx, c)
	})
}

func readFields(stdin io.Reader, data string) (json.RawMessage, error) {
	var raw []byte
	switch data {
	case "":
		return nil, errors.New("--data is required")
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		raw = b
	default:
		raw = []byte(data)
	}
	if !json.Valid(raw) {
		return nil, errors.New("record fields must be valid JSON")
	}
	return raw, nil
}

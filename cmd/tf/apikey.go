package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskflow/internal/app"
)

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for services acting on the API"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a key that acts as --actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				key, plain, err := a.Repo.CreateAPIKey(ctx, who, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor": key.Actor, "name": key.Name, "key": plain})
				}
				fmt.Printf("Created API key %s for %s\n%s\nStore it now; it cannot be shown again.\n", key.ID, key.Actor, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var forActor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, forActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Actor, dash(k.Name), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&forActor, "for", "", "only keys acting as this address")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				if err := a.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked API key %s\n", args[0])
				return nil
			})
		},
	}
}

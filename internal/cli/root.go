// Package cli wires configuration, stores and the HTTP server into the
// dao-ai-builder command.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/dao-ai-builder/appconfig"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/config"
)

const appName = "dao-ai-builder"

type serveFlags struct {
	addr   string
	static string
	open   bool
}

// Execute runs the command line. With no subcommand it serves.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	var sf serveFlags
	serve := func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), sf)
	}
	root := &cobra.Command{
		Use:           appName,
		Short:         "Visual builder backend for DAO AI agent configurations on Databricks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.LoadDotEnv(""); err != nil {
				return err
			}
			return nil
		},
	}
	addServeFlags(root, &sf)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the builder API and static frontend",
		RunE:  serve,
	}
	addServeFlags(serveCmd, &sf)

	root.AddCommand(serveCmd, versionCmd(), schemaCmd())
	return root
}

func addServeFlags(cmd *cobra.Command, sf *serveFlags) {
	cmd.Flags().StringVar(&sf.addr, "addr", "", "listen address (defaults to ADDR or PORT)")
	cmd.Flags().StringVar(&sf.static, "static", "", "static frontend folder (defaults to STATIC_FOLDER)")
	cmd.Flags().BoolVar(&sf.open, "open", false, "open the builder in a browser once listening")
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the app and dao-ai versions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s (dao-ai %s)\n", appName, cfg.DaoAIVersion)
			return err
		},
	}
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the agent configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeSchema(cmd.OutOrStdout())
		},
	}
}

func writeSchema(w io.Writer) error {
	raw, err := appconfig.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	_, err = fmt.Fprintln(w)
	return err
}

// Main is the process entry point.
func Main() {
	if err := Execute(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

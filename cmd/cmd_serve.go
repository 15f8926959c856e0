// cmd_serve.go - Helper-Server und eingebautes Trainer-Backend
// Hauptfunktionen: RunServer, newServeCmd, newRunnerCmd
package cmd

import (
	"net"

	"github.com/spf13/cobra"

	"github.com/mini-helper/lorakit/envconfig"
	"github.com/mini-helper/lorakit/runner"
	"github.com/mini-helper/lorakit/server"
)

// RunServer - Startet den Counselor-Helper
func RunServer(cmd *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	return server.Serve(cmd.Context(), ln)
}

// newServeCmd - Erstellt den serve Command
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the counselor helper web page",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
}

// newRunnerCmd - Erstellt den versteckten runner Command
func newRunnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "runner",
		Hidden:             true,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runner.Execute(cmd.Context(), args)
		},
	}
}

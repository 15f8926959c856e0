// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"runtime"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mini-helper/lorakit/envconfig"
	"github.com/mini-helper/lorakit/logutil"
	"github.com/mini-helper/lorakit/version"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// setup - Laedt .env und richtet den Logger ein; laeuft vor jedem Command
func setup(cmd *cobra.Command, _ []string) error {
	if err := envconfig.LoadDotEnv(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}

	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	return nil
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stdout.Fd())) {
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := &cobra.Command{
		Use:           "lorakit",
		Short:         "Prepare chat data, fine-tune LoRA adapters and merge them into base models",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: setup,
		Run: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				fmt.Printf("lorakit version is %s\n", version.Version)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	// Commands erstellen
	makeJSONLCmd := newMakeJSONLCmd()
	trainCmd := newTrainCmd()
	mergeCmd := newMergeCmd()
	pullCmd := newPullCmd()
	listCmd := newListCmd()
	inspectCmd := newInspectCmd()
	runsCmd := newRunsCmd()
	serveCmd := newServeCmd()
	runnerCmd := newRunnerCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	hub := []envconfig.EnvVar{envVars["HF_TOKEN"], envVars["HF_ENDPOINT"], envVars["HF_HOME"], envVars["HF_HUB_CACHE"], envVars["HF_HUB_OFFLINE"]}
	upload := []envconfig.EnvVar{envVars["LORAKIT_S3_ENDPOINT"], envVars["LORAKIT_S3_REGION"]}

	for _, cmd := range []*cobra.Command{
		makeJSONLCmd,
		trainCmd,
		mergeCmd,
		pullCmd,
		listCmd,
		inspectCmd,
		runsCmd,
		serveCmd,
	} {
		switch cmd {
		case trainCmd:
			envs := []envconfig.EnvVar{
				envVars["LORAKIT_DEBUG"],
				envVars["LORAKIT_DEVICE"],
				envVars["LORAKIT_TRAINER"],
				envVars["LORAKIT_TRAINER_URL"],
				envVars["LORAKIT_LOAD_TIMEOUT"],
				envVars["LORAKIT_HOME"],
				envVars["LORAKIT_NOPROGRESS"],
			}
			appendEnvDocs(cmd, append(append(envs, hub...), upload...))
		case mergeCmd:
			envs := []envconfig.EnvVar{
				envVars["LORAKIT_DEBUG"],
				envVars["LORAKIT_DEVICE"],
				envVars["LORAKIT_MERGE_PARALLEL"],
				envVars["LORAKIT_HOME"],
				envVars["LORAKIT_NOPROGRESS"],
			}
			appendEnvDocs(cmd, append(append(envs, hub...), upload...))
		case pullCmd, listCmd:
			appendEnvDocs(cmd, hub)
		case runsCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["LORAKIT_HOME"]})
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["LORAKIT_DEBUG"],
				envVars["LORAKIT_HOST"],
				envVars["LORAKIT_ORIGINS"],
				envVars["LORAKIT_HELPER_API_URL"],
				envVars["LORAKIT_HELPER_API_TOKEN"],
			})
		default:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["LORAKIT_DEBUG"]})
		}
	}

	rootCmd.AddCommand(
		makeJSONLCmd,
		trainCmd,
		mergeCmd,
		pullCmd,
		listCmd,
		inspectCmd,
		runsCmd,
		serveCmd,
		runnerCmd,
	)

	return rootCmd
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.pilab.hu/sessionguard/cmd/guardctl/client"
	"go.pilab.hu/sessionguard/config"
	"go.pilab.hu/sessionguard/log"
	"gopkg.in/yaml.v3"
)

const appName = "guardctl"

var (
	cfgFile   string
	output    string
	appLogger log.Logger
	settings  *config.Config
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "guardctl administers sessionguard session records",
		Long:          `A command-line interface for inspecting and revoking arbitrated sessions through the sessionguard admin API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(cfgFile)
			v := loader.Viper()
			if err := v.BindPFlag("agent.api_url", cmd.Flags().Lookup("endpoint")); err != nil {
				return err
			}
			if err := v.BindPFlag("agent.api_key", cmd.Flags().Lookup("api-key")); err != nil {
				return err
			}

			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			settings = cfg
			appLogger = log.NewZerologAdapter(log.ParseLevel(cfg.Log.Level), true)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./sessionguard.yaml)")
	root.PersistentFlags().String("endpoint", "", "admin API endpoint (overrides agent.api_url)")
	root.PersistentFlags().String("api-key", "", "operator API key (overrides agent.api_key)")
	root.PersistentFlags().StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")

	root.AddCommand(newSessionCmd(), newSweepCmd(), newHealthCmd())
	return root
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if appLogger == nil {
			appLogger = log.NewZerologAdapter(zerolog.InfoLevel, true)
		}
		appLogger.Error(context.Background(), "guardctl failed", err)
		os.Exit(1)
	}
}

func apiClient() (*client.Client, error) {
	return client.New(settings.Agent.APIURL, settings.Agent.APIKey)
}

func render(w io.Writer, v any) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		out, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unsupported output format %q", output)
	}
}

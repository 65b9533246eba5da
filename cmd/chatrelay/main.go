package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/chatrelay/internal/config"
)

var version = "dev"

type rootOptions struct {
	configFile string
	envFile    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "chatrelay",
		Short:         "WeChat official-account relay for an LLM chat backend",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default: ./chatrelay.yaml when present)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(
		newServeCommand(opts),
		newFetchCommand(opts),
		newMessageCommand(opts),
		newRetryCommand(opts),
		newTokenCommand(opts),
	)
	return root
}

func (o *rootOptions) loader() *config.Loader {
	return config.NewLoader(config.LoaderOptions{ConfigFile: o.configFile, EnvFile: o.envFile})
}

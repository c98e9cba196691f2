package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/workmesh/exo/config"
	"github.com/workmesh/exo/errors"
)

// ConfigCmd inspects the effective configuration
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long:  "Display the configuration in effect after merging defaults, exo.toml, and environment variables.",
	RunE:  runConfigShow,
}

var configWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runConfigWhere,
}

func init() {
	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configWhereCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	// Secrets never reach stdout.
	shown := *cfg
	if shown.Engine.Token != "" {
		shown.Engine.Token = "********"
	}

	output, err := json.MarshalIndent(shown, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to format configuration")
	}
	fmt.Println(string(output))
	return nil
}

func runConfigWhere(cmd *cobra.Command, args []string) error {
	if path := config.ConfigFilePath(); path != "" {
		fmt.Printf("Config file: %s\n", path)
	} else {
		fmt.Println("No exo.toml found; running on defaults and environment variables")
	}
	fmt.Println("Environment prefix: EXO_ (e.g. EXO_SERVER_PORT, EXO_ENGINE_TOKEN)")
	return nil
}

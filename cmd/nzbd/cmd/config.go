package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/javi11/nzbd/internal/config"
)

var showEffective bool

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Validate the configuration file",
		RunE:  runConfigCheck,
	}
	configCmd.Flags().BoolVar(&showEffective, "show", false, "print the effective configuration")

	rootCmd.AddCommand(configCmd)
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	mgr := config.NewManager(configFile)
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}

	if showEffective {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	}

	fmt.Printf("Configuration OK: %d servers, state dir %s\n", len(cfg.Servers), cfg.Paths.State)
	return nil
}

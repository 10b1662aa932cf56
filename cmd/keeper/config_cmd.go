package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/acearchive/keeper/internal/config"
)

var configInitForce bool

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage keeper configuration. The config file is looked up as ./keeper.yaml
and then in the user config directory.`,
		Example: `  keeper config init
  keeper config show`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
	)

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with a new keeper id",
		Long: `Write a config file with the default settings and a newly generated random
keeper id. The file goes to --config when given, otherwise to the user config
directory. An existing file is only replaced with --force.`,
		Example: `  keeper config init
  keeper config init --config ./keeper.yaml`,
		RunE: configInitRun,
	}

	cmd.Flags().BoolVar(&configInitForce, "force", false, "replace an existing config file")

	return cmd
}

func configInitRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	path := cfgPath
	if path == "" {
		p, err := config.UserConfigPath()
		if err != nil {
			return fmt.Errorf("failed to locate config directory: %w", err)
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to replace it)", path)
	}

	cfg := config.DefaultConfig()
	if outputPath != "" {
		cfg.Backup.ZipFile = outputPath
	}
	cfg.EnsureKeeperID()
	if err := cfg.Save(path); err != nil {
		return err
	}

	log.Info("wrote config file", "path", path, "keeper_id", cfg.Keeper.ID)
	fmt.Printf("Wrote %s\n", path)
	fmt.Printf("Keeper id %s\n", cfg.Keeper.ID)
	return nil
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format. If a config file
is loaded, shows the loaded configuration with any command-line overrides
applied.`,
		Example: `  keeper config show
  keeper config show --config /etc/keeper/keeper.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration", "path", cfgPath)

	data, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if cfgPath != "" {
		fmt.Printf("# %s\n", cfgPath)
	} else {
		fmt.Println("# defaults (no config file found)")
	}
	fmt.Print(string(data))

	if err := globalCfg.Validate(); err != nil {
		fmt.Printf("\n# invalid: %v\n", err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the keeper version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keeper %s\n", version)
		},
	}
}

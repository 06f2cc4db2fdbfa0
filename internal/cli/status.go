package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blueberrycongee/Lumina-Note-sub000/internal/config"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/vault"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("Lumina Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and vault status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("Lumina Status")
		fmt.Printf("Version: %s\n", version)

		configPath, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + configPath + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (" + configPath + ")")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config load error: %v\n", err)
			return
		}
		if cfg.Providers.OpenAI.APIKey != "" {
			fmt.Println("API Key: ✓ Found")
		} else {
			fmt.Println("API Key: ✗ Not found")
		}
		fmt.Printf("Model:   %s\n", cfg.Model.Name)
		if cfg.Memory.Enabled {
			fmt.Println("Search:  ✓ Enabled (" + cfg.Memory.EmbeddingModel + ")")
		} else {
			fmt.Println("Search:  ✗ Disabled")
		}

		index, err := vault.BuildIndex(cfg.Paths.Workspace)
		if err != nil {
			fmt.Printf("Vault:   ✗ %v\n", err)
			return
		}
		fmt.Printf("Vault:   %s (%d notes)\n", index.Workspace(), index.Count())
	},
}

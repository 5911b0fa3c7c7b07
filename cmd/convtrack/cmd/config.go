package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configShowFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for inspecting the resolved convtrack configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Prints the configuration convtrack would use after merging flags,
environment variables and the config file. The API key is redacted.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)

	configShowCmd.Flags().StringVarP(&configShowFormat, "format", "f", "text",
		"Output format: text, json, yaml")
}

type effectiveConfig struct {
	ServerURL  string `json:"server_url" yaml:"server_url"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	Output     string `json:"output" yaml:"output"`
	LogLevel   string `json:"log_level" yaml:"log_level"`
	ConfigFile string `json:"config_file,omitempty" yaml:"config_file,omitempty"`
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := effectiveConfig{
		ServerURL:  GetServerURL(),
		APIKey:     redactKey(GetAPIKey()),
		Output:     outputFormat,
		LogLevel:   logLevel,
		ConfigFile: viper.ConfigFileUsed(),
	}

	switch configShowFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)

	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(cfg)

	default: // text
		fmt.Println("Effective configuration:")
		fmt.Printf("  server_url: %s\n", cfg.ServerURL)
		fmt.Printf("  api_key:    %s\n", cfg.APIKey)
		fmt.Printf("  output:     %s\n", cfg.Output)
		fmt.Printf("  log_level:  %s\n", cfg.LogLevel)
		if cfg.ConfigFile != "" {
			fmt.Printf("  config file: %s\n", cfg.ConfigFile)
		} else {
			fmt.Println("  config file: (none found)")
		}
		return nil
	}
}

func redactKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"convtrack/pkg/access"
	"convtrack/pkg/api"
	"convtrack/pkg/logging"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
	logLevel     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "convtrack",
	Short: "CLI for the convtrack media conversion service",
	Long:  `convtrack is a command line interface for uploading media files, submitting conversion jobs and following their progress on a conversion server.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.convtrack/config)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "conversion server URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory with name ".convtrack/config" (without extension)
		configDir := filepath.Join(home, ".convtrack")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// Bind specific environment variables
	viper.BindEnv("api_key", "CONVTRACK_API_KEY")
	viper.BindEnv("server_url", "CONVTRACK_SERVER_URL")

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("server_url") != "" && serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if viper.GetString("api_key") != "" && apiKey == "" {
			apiKey = viper.GetString("api_key")
		}
	}

	// Check environment variables if not set from config
	if apiKey == "" && viper.GetString("api_key") != "" {
		apiKey = viper.GetString("api_key")
	}
	if serverURL == "" && viper.GetString("server_url") != "" {
		serverURL = viper.GetString("server_url")
	}

	// Set default if still empty
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
}

// GetServerURL returns the configured server URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetAPIKey returns the configured API key
func GetAPIKey() string {
	return apiKey
}

// newAPIClient builds the REST client from the resolved configuration
func newAPIClient() *api.Client {
	return api.NewClient(GetServerURL(), GetAPIKey())
}

// newCLILogger builds the logger used by the long-running commands
func newCLILogger() *logging.Logger {
	log := logging.NewLogger(logging.ParseLevel(logLevel), false)
	log.SetOutput(os.Stderr)
	return log
}

// checkAccess resolves the server's auth configuration and verifies this
// invocation may manage jobs. Unreachable servers keep the fail-safe
// default, so an API key is required until the server says otherwise.
func checkAccess(ctx context.Context, client *api.Client) error {
	gate := access.NewGate(newCLILogger())
	gate.SetLocalUser(GetAPIKey() != "")
	gate.Resolve(ctx, client)

	if d := gate.Decision(); !d.HasAccess {
		return fmt.Errorf("server requires authentication: set CONVTRACK_API_KEY or api_key in $HOME/.convtrack/config")
	}
	return nil
}

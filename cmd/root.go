package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nbflow/engine_go/cmd/server"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nbflow",
	Short: "Workflow engine for AI-assisted notebook pipelines",
	Long: `nbflow drives a data-science notebook pipeline through a hierarchical
workflow: stages, steps, behaviors and actions. A remote planner decides
what to do next, a remote generator emits notebook actions, and a kernel
service executes the code cells.

This tool provides:
- A CLI runner for one-shot workflow execution
- An HTTP control server with pause/resume and event polling
- SQLite-backed run history and snapshots`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logFile, _ := cmd.Flags().GetString("log-file")
		if logFile != "" {
			os.Setenv("LOG_FILE", logFile)
			logDir := filepath.Dir(logFile)
			if err := os.MkdirAll(logDir, 0755); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
				os.Exit(1)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.nbflow.yaml)")
	rootCmd.PersistentFlags().String("planner-url", "http://localhost:8700", "planner/generator service base URL")
	rootCmd.PersistentFlags().String("kernel-url", "http://localhost:8701", "code executor service base URL")
	rootCmd.PersistentFlags().String("notebook-id", "", "kernel notebook/session identifier")
	rootCmd.PersistentFlags().Int("request-timeout", 300, "per-request timeout for remote calls in seconds")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	// Logging flags
	rootCmd.PersistentFlags().String("log-file", "", "log file path (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	// Bind flags to viper
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("planner-url", rootCmd.PersistentFlags().Lookup("planner-url"))
	viper.BindPFlag("kernel-url", rootCmd.PersistentFlags().Lookup("kernel-url"))
	viper.BindPFlag("notebook-id", rootCmd.PersistentFlags().Lookup("notebook-id"))
	viper.BindPFlag("request-timeout", rootCmd.PersistentFlags().Lookup("request-timeout"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))

	// Add command groups
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(server.ServerCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	// Load .env file first (if present)
	if err := godotenv.Load(".env"); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			fmt.Fprintln(os.Stderr, "No .env file found, using system environment variables")
		}
	}

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".nbflow" (without extension).
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".nbflow")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var flagHome string
var flagDebug bool

var rootCmd = &cobra.Command{
	Use:           "meshpay-node",
	Short:         "Offline-first payment mesh node",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Missing .env is fine; explicit env always wins.
		_ = godotenv.Load()
		if flagDebug {
			_ = os.Setenv("MESHPAY_DEBUG", "1")
		}
		if flagHome == "" {
			flagHome = defaultHome()
		}
		return nil
	},
}

func defaultHome() string {
	if v := os.Getenv("MESHPAY_HOME"); v != "" {
		return v
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".meshpay")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "data directory (default $MESHPAY_HOME or ~/.meshpay)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

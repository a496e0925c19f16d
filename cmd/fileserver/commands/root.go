// Package commands implements the fileserver CLI: a package-level cobra
// root command built up via init(), a persistent --config flag, and an
// Execute entry point called from main.
package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fileserver",
	Short: "A multi-protocol network file server",
	Long: `fileserver exposes virtual shares over SMB (NetBIOS-framed and
direct TCP/445) and ONC-RPC (portmapper, MOUNT), backed by the wire-level
session and request plane described in this repository's design notes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (default: built-in defaults)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the --config flag value.
func GetConfigFile() string {
	return cfgFile
}

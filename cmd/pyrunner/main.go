// PyRunner — local Python code execution service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pyrunner",
	Short: "PyRunner — local Python code execution service.",
	Long: `PyRunner runs Python snippets in named virtual environments over a local
HTTP API. It manages the environments, installs packages into them with pip,
bounds every execution with a timeout and an output cap, and keeps a rotating
audit log of everything it does.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

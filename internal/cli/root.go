// Package cli wires the process's cobra command tree: serve and login.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "qwen-pool-proxy",
	Short: "Multi-tenant credential-pool proxy for the Qwen chat-completions API",
}

// Execute runs the root command; callers should pass its return value
// straight to os.Exit.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

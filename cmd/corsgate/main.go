package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "corsgate",
		Short: "Edge gate that rejects cross-origin requests from origins not on the allowlist",
		Long: "corsgate sits in front of an HTTP backend, answers CORS preflights itself,\n" +
			"refuses requests whose Origin is not allowed with 403 and forwards the rest.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCheckCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

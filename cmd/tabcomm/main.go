package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile   string
	serverURL string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tabcomm",
		Short: "Request/acknowledgement messaging between tabs of a shared origin store",
		Long: `tabcomm runs a node that owns an origin store shared by tabs.

Tabs attach over HTTP or websockets, emit named requests and answer them
with acknowledgements. Nodes on different machines can join one logical
origin through a libp2p bridge.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $TABCOMM_CONFIG or ./tabcomm.*)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8090", "tab API base URL for client commands")

	rootCmd.AddCommand(
		serveCmd(),
		emitCmd(),
		callCmd(),
		cleanCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/cometd/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		errors.PrintError(err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:   "cometd",
		Short: "Bayeux client and development server",
		Long: `cometd talks to Bayeux (CometD) servers from the command line.

  • subscribe to channels and print every message as a JSON line
  • publish JSON messages
  • run an in-process development server

Configuration comes from flags and, with --config, from cometd.json.
Flags win over the file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.url, "url", "u", "", "Bayeux endpoint URL")
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to cometd.json")
	pf.StringSliceVarP(&flags.transports, "transport", "t", nil, "Transports to use, in order (websocket, long-polling, callback-polling)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: error, warn, info or debug")
	pf.StringVar(&flags.name, "name", "", "Client name (default: a generated id)")
	pf.StringVar(&flags.jwtSecret, "jwt-secret", "", "HS256 key to sign handshake tokens with (serve: to verify them)")

	root.AddCommand(
		subscribeCmd(&flags),
		publishCmd(&flags),
		serveCmd(&flags),
		versionCmd(),
	)
	return root
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[33m⚠\033[0m %s\n", fmt.Sprintf(format, args...))
}

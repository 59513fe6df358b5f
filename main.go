// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petervdpas/reliefmesh/internal/app"
	"github.com/petervdpas/reliefmesh/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

// configName is the config file inside every peer directory.
const configName = "reliefmesh.json"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "reliefmesh",
		Short:   "Offline-resilient group messaging over Nostr relays",
		Version: appVersion,
		Long: `reliefmesh keeps a relief team talking when the network comes and goes.

Messages written offline are kept in a local outbox and published in order
as soon as a relay is reachable again. Every process started on the same
peer directory shares one identity, one message log and one outbox.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		peerCmd(),
		sendCmd(),
		historyCmd(),
		channelsCmd(),
		whoamiCmd(),
		geohashCmd(),
	)
	return root
}

func peerCmd() *cobra.Command {
	var (
		console bool
		channel string
	)
	cmd := &cobra.Command{
		Use:   "peer <directory>",
		Short: "Run a peer from a directory (created with a default config if needed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfgPath, cfg, err := loadPeer(args[0], true)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			return app.Run(ctx, app.Options{
				PeerDir: dir,
				CfgPath: cfgPath,
				Cfg:     cfg,
				Console: console && app.IsInteractive(),
				Channel: channel,
			})
		},
	}
	cmd.Flags().BoolVar(&console, "console", true, "attach the terminal as a chat context when stdin is a TTY")
	cmd.Flags().StringVar(&channel, "channel", "", "channel to open at startup (default emergency-broadcast)")
	return cmd
}

// loadPeer resolves the peer directory and loads its config. With create set
// a missing directory and config are created with defaults.
func loadPeer(arg string, create bool) (dir, cfgPath string, cfg config.Config, err error) {
	dir, err = filepath.Abs(arg)
	if err != nil {
		return "", "", cfg, fmt.Errorf("invalid peer directory: %w", err)
	}
	cfgPath = filepath.Join(dir, configName)

	if create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", cfg, err
		}
		cfg, created, err := config.Ensure(cfgPath)
		if err != nil {
			return "", "", cfg, fmt.Errorf("load config: %w", err)
		}
		if created {
			fmt.Fprintf(os.Stderr, "Created default config %s\n", cfgPath)
		}
		return dir, cfgPath, cfg, nil
	}

	if stat, err := os.Stat(dir); err != nil || !stat.IsDir() {
		return "", "", cfg, fmt.Errorf("peer directory does not exist: %s", dir)
	}
	cfg, err = config.Load(cfgPath)
	if err != nil {
		return "", "", cfg, fmt.Errorf("load config: %w", err)
	}
	return dir, cfgPath, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

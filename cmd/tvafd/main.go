// Command tvafd serves BitTorrent content over FTP: a read-only VFS
// keyed by info hash, backed by an embedded anacrolix/torrent engine,
// with crash-safe resume persistence and per-torrent byte accounting.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/tvlog"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tvafd",
	Short: "Serve BitTorrent content over FTP",
	Long: `
tvafd serves the contents of BitTorrent torrents over FTP: connect,
authenticate, and browse /v1/<info_hash>/<network>/{f,i} for any
torrent a configured library claims. No writes are accepted; this is a
read-only gateway onto torrent content, not a torrent client UI.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the tvafd YAML config file (required)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load the config and run the FTP server until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath == "" {
			fmt.Fprintln(os.Stderr, "tvafd: --config is required")
			os.Exit(2)
		}
		if err := runServe(configPath); err != nil {
			tvlog.Errorf("tvafd", "fatal: %v", err)
			os.Exit(1)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

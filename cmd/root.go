package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/hivemesh/hivehub/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile  string
	hostFlag string
	portFlag int
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "hivehub",
	Short: "HiveHub is a collective intelligence hub for agent drones",
	Long:  "HiveHub: the network-facing hub of a drone fabric. Serves the SSE tool plane, the shared semantic memory, the agent registry and broadcast bus, MCP bridges, config backups, and the ticket board.",
	Run: func(cmd *cobra.Command, args []string) {
		runHub()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $CONFIG_PATH, $HIVEHUB_CONFIG, or config/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().StringVar(&hostFlag, "host", "", "override hub.host")
	rootCmd.Flags().IntVar(&portFlag, "port", 0, "override hub.port")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(hashPasswordCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hivehub %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	if v := os.Getenv("HIVEHUB_CONFIG"); v != "" {
		return v
	}
	return "config/config.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

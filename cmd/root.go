package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quorumkv/qKV/cmd/admin"
	"github.com/quorumkv/qKV/cmd/kv"
	"github.com/quorumkv/qKV/cmd/serve"
	"github.com/quorumkv/qKV/cmd/util"
	"github.com/quorumkv/qKV/cmd/volume"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "qkv",
		Short: "distributed object store",
		Long: fmt.Sprintf(`qKV (v%s)

A distributed object store with replicated metadata, two-phase write
coordination across data volumes and rendezvous-hashed placement.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of qKV",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("qKV v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(volume.VolumeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(admin.AdminCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

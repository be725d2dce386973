package admin

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	cmdUtil "github.com/quorumkv/qKV/cmd/util"
	"github.com/quorumkv/qKV/rpc/client"
)

// adminClient is shared by all subcommands, created by the PersistentPreRunE
var adminClient *client.KVClient

var AdminCommands = &cobra.Command{
	Use:   "admin",
	Short: "Cluster maintenance commands",
	Long:  `Maintenance commands for a qKV cluster: consistency sweeps, replica repair, rebalancing and volume registration. Writes must be sent to the current leader node.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupAdminClient(cmd)
	},
	PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
		if adminClient != nil {
			return adminClient.Close()
		}
		return nil
	},
}

var (
	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Run a consistency sweep",
		Long:  `Check every stored object against its expected replica set and checksum. Reports missing and corrupt replicas without modifying anything.`,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			report, err := adminClient.Verify()
			if err != nil {
				return err
			}
			fmt.Printf("checked:          %d\n", report.KeysChecked)
			fmt.Printf("healthy:          %d\n", report.Healthy)
			fmt.Printf("degraded:         %d\n", report.Degraded)
			fmt.Printf("missing replicas: %d\n", report.MissingReplicas)
			fmt.Printf("corrupt replicas: %d\n", report.CorruptReplicas)
			for _, key := range report.DegradedKeys {
				fmt.Printf("  %s\n", key)
			}
			return nil
		},
	}

	repairCmd = &cobra.Command{
		Use:   "repair [key]",
		Short: "Restore objects to their full replica count",
		Long:  `Re-replicate an object whose replica set is incomplete. Without a key, every degraded object in the store is repaired.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := adminClient.Repair(args[0]); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			}
			report, err := adminClient.RepairAll()
			if err != nil {
				return err
			}
			fmt.Printf("attempted: %d\n", report.Attempted)
			fmt.Printf("repaired:  %d\n", report.Repaired)
			fmt.Printf("failed:    %d\n", len(report.Failed))
			for _, key := range report.Failed {
				fmt.Printf("  %s\n", key)
			}
			return nil
		},
	}

	rebalanceCmd = &cobra.Command{
		Use:   "rebalance [volume-id]...",
		Short: "Migrate data onto a new volume set",
		Long:  `Recompute placement for every stored object against the given volume set and move replicas accordingly. With no arguments, the current live volume set is used.`,
		RunE: func(_ *cobra.Command, args []string) error {
			report, err := adminClient.Rebalance(args)
			if err != nil {
				return err
			}
			fmt.Printf("shards pinned: %d\n", report.ShardsMoved)
			fmt.Printf("keys moved:    %d\n", report.KeysMoved)
			fmt.Printf("bytes moved:   %d\n", report.BytesMoved)
			return nil
		},
	}

	registerCmd = &cobra.Command{
		Use:   "register [volume-id] [address]",
		Short: "Register a volume with the cluster",
		Long:  `Announce a running volume server to the coordinator. The volume becomes a placement candidate once its first health probe succeeds.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			id, addr := args[0], args[1]
			if !strings.Contains(addr, ":") {
				return fmt.Errorf("invalid volume address %q (expected host:port)", addr)
			}
			if err := adminClient.Register(id, addr); err != nil {
				return err
			}
			fmt.Printf("registered volume %s at %s\n", id, addr)
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitClientConfig)
	cmdUtil.SetupRPCClientFlags(AdminCommands)

	AdminCommands.AddCommand(verifyCmd)
	AdminCommands.AddCommand(repairCmd)
	AdminCommands.AddCommand(rebalanceCmd)
	AdminCommands.AddCommand(registerCmd)
}

// setupAdminClient connects the shared client from the command's flags
func setupAdminClient(cmd *cobra.Command) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetClientTransport()
	if err != nil {
		return err
	}

	adminClient, err = client.NewKVClient(*cmdUtil.GetClientConfig(), t, s)
	return err
}

package kv

import (
	"github.com/spf13/cobra"

	cmdUtil "github.com/quorumkv/qKV/cmd/util"
	"github.com/quorumkv/qKV/rpc/client"
)

// kvClient is shared by all subcommands, created by the PersistentPreRunE
var kvClient *client.KVClient

var KeyValueCommands = &cobra.Command{
	Use:   "kv",
	Short: "Interact with the object store",
	Long:  `Interact with a qKV cluster as a client. The connection can be configured via command line flags or environment variables. The format of the environment variables is QKV_<flag> (e.g. QKV_TRANSPORT_ENDPOINTS=localhost:5001)`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupKVClient(cmd)
	},
	PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
		if kvClient != nil {
			return kvClient.Close()
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(cmdUtil.InitClientConfig)
	cmdUtil.SetupRPCClientFlags(KeyValueCommands)

	KeyValueCommands.AddCommand(putCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(deleteCmd)
	KeyValueCommands.AddCommand(statCmd)
	KeyValueCommands.AddCommand(perfCmd)
}

// setupKVClient connects the shared client from the command's flags
func setupKVClient(cmd *cobra.Command) error {
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

	kvClient, err = client.NewKVClient(*cmdUtil.GetClientConfig(), t, s)
	return err
}

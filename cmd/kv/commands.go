package kv

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/spf13/cobra"

	cmdUtil "github.com/quorumkv/qKV/cmd/util"
	"github.com/quorumkv/qKV/rpc/client"
)

var (
	putNonce    uint64
	deleteNonce uint64

	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Write an object",
		Long:  `Write an object to the store. The value is replicated across the cluster; the command prints the volumes that hold it. Re-running the command with the same --nonce is safe and will not write twice.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			nonce := putNonce
			if nonce == 0 {
				nonce = rand.Uint64()
			}
			replicas, degraded, err := kvClient.Put(args[0], nonce, []byte(args[1]))
			if err != nil {
				return describeError(err)
			}
			if degraded {
				fmt.Printf("ok (degraded): stored on %s\n", strings.Join(replicas, ", "))
			} else {
				fmt.Printf("ok: stored on %s\n", strings.Join(replicas, ", "))
			}
			return nil
		},
	}

	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Read an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			value, err := kvClient.Get(args[0])
			if err != nil {
				return describeError(err)
			}
			fmt.Println(string(value))
			return nil
		},
	}

	deleteCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Delete an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			nonce := deleteNonce
			if nonce == 0 {
				nonce = rand.Uint64()
			}
			if err := kvClient.Delete(args[0], nonce); err != nil {
				return describeError(err)
			}
			fmt.Println("ok")
			return nil
		},
	}

	statCmd = &cobra.Command{
		Use:   "stat [key]",
		Short: "Show an object's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			stat, err := kvClient.Stat(args[0])
			if err != nil {
				return describeError(err)
			}
			fmt.Printf("size:     %d\n", stat.Size)
			fmt.Printf("checksum: %s\n", stat.Checksum)
			fmt.Printf("replicas: %s\n", strings.Join(stat.Replicas, ", "))
			fmt.Printf("degraded: %t\n", stat.Degraded)
			return nil
		},
	}
)

func init() {
	putCmd.Flags().Uint64Var(&putNonce, "nonce", 0, cmdUtil.WrapString("Retry token for idempotent writes. 0 generates a fresh one"))
	deleteCmd.Flags().Uint64Var(&deleteNonce, "nonce", 0, cmdUtil.WrapString("Retry token for idempotent deletes. 0 generates a fresh one"))
}

// describeError adds a hint for redirects to the current leader
func describeError(err error) error {
	var notLeader *client.NotLeaderError
	if errors.As(err, &notLeader) && notLeader.LeaderID >= 0 {
		return fmt.Errorf("%w. Retry against the leader node", err)
	}
	return err
}

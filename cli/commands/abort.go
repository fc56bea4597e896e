package commands

import (
	"fmt"

	"github.com/meridianfi/crossd/pkg/rpc/client"
	"github.com/spf13/cobra"
)

func Abort(rpcClient client.Client) *cobra.Command {
	var swapID string

	var cmd = &cobra.Command{
		Use:   "abort",
		Short: "aborts a running swap session, refunding our leg",
		Run: func(c *cobra.Command, args []string) {
			if err := rpcClient.Abort(swapID); err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}
			fmt.Println("abort requested")
		}}
	cmd.Flags().StringVar(&swapID, "id", "", "swap id")
	cmd.MarkFlagRequired("id")
	return cmd
}

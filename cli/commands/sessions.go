package commands

import (
	"encoding/json"
	"fmt"

	"github.com/meridianfi/crossd/pkg/rpc/client"
	"github.com/spf13/cobra"
)

func Sessions(rpcClient client.Client) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "sessions",
		Short: "lists every swap session",
		Run: func(c *cobra.Command, args []string) {
			views, err := rpcClient.Sessions()
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}

			data, err := json.MarshalIndent(views, "", "  ")
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to unmarshal response: %w", err))
			}
			fmt.Println(string(data))
		}}
	return cmd
}

func Status(rpcClient client.Client) *cobra.Command {
	var swapID string

	var cmd = &cobra.Command{
		Use:   "status",
		Short: "shows one swap session",
		Run: func(c *cobra.Command, args []string) {
			view, err := rpcClient.Session(swapID)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}

			data, err := json.MarshalIndent(view, "", "  ")
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to unmarshal response: %w", err))
			}
			fmt.Println(string(data))
		}}
	cmd.Flags().StringVar(&swapID, "id", "", "swap id")
	cmd.MarkFlagRequired("id")
	return cmd
}

package commands

import (
	"encoding/json"
	"fmt"

	"github.com/meridianfi/crossd/pkg/rpc"
	"github.com/meridianfi/crossd/pkg/rpc/client"
	"github.com/spf13/cobra"
)

func Initiate(rpcClient client.Client) *cobra.Command {
	var (
		role     string
		hashlock string
		legA     rpc.RequestLeg
		legB     rpc.RequestLeg
	)

	var cmd = &cobra.Command{
		Use:   "initiate",
		Short: "starts a new swap session",
		Run: func(c *cobra.Command, args []string) {
			view, err := rpcClient.Initiate(rpc.RequestInitiate{
				Role:     role,
				Hashlock: hashlock,
				LegA:     legA,
				LegB:     legB,
			})
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}

			data, err := json.MarshalIndent(view, "", "  ")
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to unmarshal response: %w", err))
			}
			fmt.Println(string(data))
		},
	}

	cmd.Flags().StringVar(&role, "role", "initiator", "allowed: \"initiator\", \"responder\"")
	cmd.Flags().StringVar(&hashlock, "hashlock", "", "counterparty hashlock, responder only")
	cmd.Flags().StringVar(&legA.Chain, "chain-a", "", "chain of the initiating leg")
	cmd.MarkFlagRequired("chain-a")
	cmd.Flags().StringVar(&legA.Sender, "sender-a", "", "sender on the initiating leg")
	cmd.MarkFlagRequired("sender-a")
	cmd.Flags().StringVar(&legA.Recipient, "recipient-a", "", "recipient on the initiating leg")
	cmd.MarkFlagRequired("recipient-a")
	cmd.Flags().StringVar(&legA.Asset, "asset-a", "", "asset on the initiating leg")
	cmd.Flags().StringVar(&legA.Amount, "amount-a", "", "amount on the initiating leg")
	cmd.MarkFlagRequired("amount-a")
	cmd.Flags().StringVar(&legB.Chain, "chain-b", "", "chain of the responding leg")
	cmd.MarkFlagRequired("chain-b")
	cmd.Flags().StringVar(&legB.Sender, "sender-b", "", "sender on the responding leg")
	cmd.MarkFlagRequired("sender-b")
	cmd.Flags().StringVar(&legB.Recipient, "recipient-b", "", "recipient on the responding leg")
	cmd.MarkFlagRequired("recipient-b")
	cmd.Flags().StringVar(&legB.Asset, "asset-b", "", "asset on the responding leg")
	cmd.Flags().StringVar(&legB.Amount, "amount-b", "", "amount on the responding leg")
	cmd.MarkFlagRequired("amount-b")
	return cmd
}

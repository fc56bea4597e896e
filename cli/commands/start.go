package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/meridianfi/crossd/pkg/crossd"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func Start(config crossd.Config, logger *zap.Logger) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "start",
		Short: "starts the swap daemon",
		Run: func(c *cobra.Command, args []string) {
			daemon, err := crossd.New(config, logger)
			cobra.CheckErr(err)

			go func() {
				sigs := make(chan os.Signal, 1)
				signal.Notify(sigs, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
				<-sigs
				daemon.Stop()
			}()

			cobra.CheckErr(daemon.Start())
		}}
	return cmd
}

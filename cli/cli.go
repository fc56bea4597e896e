package cli

import (
	"strings"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/meridianfi/crossd/cli/commands"
	"github.com/meridianfi/crossd/pkg/crossd"
	"github.com/meridianfi/crossd/pkg/rpc/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func Run(version string) error {
	var cmd = &cobra.Command{
		Use:   "crossd",
		Short: "cross-chain atomic swap daemon",
		Run: func(c *cobra.Command, args []string) {
			c.HelpFunc()(c, args)
		},
		Version:           version,
		DisableAutoGenTag: true,
	}

	config, err := crossd.LoadConfig(crossd.DefaultConfigPath())
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	if config.Sentry != "" {
		client, err := sentry.NewClient(sentry.ClientOptions{Dsn: config.Sentry})
		if err != nil {
			return err
		}
		cfg := zapsentry.Configuration{
			Level: zapcore.ErrorLevel,
		}
		core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(client))
		if err != nil {
			return err
		}
		logger = zapsentry.AttachCoreToLogger(core, logger)
		defer logger.Sync()
	}

	rpcClient := client.New(config.RpcUserName, config.RpcPassword, "http", serverAddr(config.RPCListen))

	cmd.AddCommand(commands.Start(config, logger))
	cmd.AddCommand(commands.Initiate(rpcClient))
	cmd.AddCommand(commands.Sessions(rpcClient))
	cmd.AddCommand(commands.Status(rpcClient))
	cmd.AddCommand(commands.Abort(rpcClient))
	return cmd.Execute()
}

// serverAddr turns a listen address like ":8080" into a dialable host.
func serverAddr(listen string) string {
	if listen == "" {
		listen = ":8080"
	}
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

package crossd

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/catalogfi/blockchain/btc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/meridianfi/crossd/pkg/chain"
	"github.com/meridianfi/crossd/pkg/chain/btcchain"
	"github.com/meridianfi/crossd/pkg/chain/evmchain"
	"github.com/meridianfi/crossd/pkg/coordinator"
	"github.com/meridianfi/crossd/pkg/ledger"
	"github.com/meridianfi/crossd/pkg/monitor"
	"github.com/meridianfi/crossd/pkg/rpc"
	"github.com/meridianfi/crossd/pkg/util"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Crossd bundles the monitor, the coordinator and the RPC surface into one
// daemon.
type Crossd struct {
	logger    *zap.Logger
	mon       monitor.Monitor
	coord     coordinator.Coordinator
	rpcServer rpc.Server
	listen    string
}

func New(config Config, logger *zap.Logger) (*Crossd, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	window, margin, retryBase, err := config.durations()
	if err != nil {
		return nil, err
	}

	// Decode key
	keyBytes, err := hex.DecodeString(config.Key)
	if err != nil {
		return nil, err
	}
	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, err
	}

	// Persistence
	dbPath := config.DB
	if dbPath == "" {
		if err := os.MkdirAll(DefaultCrossdDirectory(), 0755); err != nil {
			return nil, err
		}
		dbPath = DefaultStorePath()
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	led, err := ledger.New(db)
	if err != nil {
		return nil, err
	}
	sessions, err := coordinator.NewStore(db)
	if err != nil {
		return nil, err
	}

	// Chain adapters
	adapters := make([]chain.Adapter, 0, len(config.Chains))
	for _, cc := range config.Chains {
		name := chain.Chain(cc.Chain)
		switch {
		case name.IsEVM():
			client, err := ethclient.Dial(cc.URL)
			if err != nil {
				return nil, fmt.Errorf("chain %v: %w", cc.Chain, err)
			}
			opts := evmchain.NewOptions(name, big.NewInt(cc.ChainID), common.HexToAddress(cc.SwapAddress), cc.Confirmations)
			adapter, err := evmchain.New(opts, key, client, logger)
			if err != nil {
				return nil, fmt.Errorf("chain %v: %w", cc.Chain, err)
			}
			adapters = append(adapters, adapter)
		case name.IsBTC():
			params, err := util.NetworkParams(name)
			if err != nil {
				return nil, err
			}
			indexer := btc.NewElectrsIndexerClient(logger, cc.Indexer, 5*time.Second)
			mempool := cc.Mempool
			if mempool == "" {
				mempool = cc.Indexer
			}
			estimator := btc.NewBlockstreamFeeEstimator(params, mempool, 20*time.Second)
			adapter, err := btcchain.New(btcchain.NewOptions(name, params, cc.Confirmations), indexer, util.EcdsaToBtcec(key), estimator, logger)
			if err != nil {
				return nil, fmt.Errorf("chain %v: %w", cc.Chain, err)
			}
			adapters = append(adapters, adapter)
		}
	}

	// Event dedup store
	seen := monitor.NewInMemStore()
	if config.Redis != "" {
		seen, err = monitor.NewRedisStore(config.Redis)
		if err != nil {
			return nil, err
		}
	}
	mon := monitor.New(led, seen, adapters, logger)

	// Operator alerts
	alerter := coordinator.NewNopAlerter()
	if config.DiscordToken != "" {
		alerter, err = coordinator.NewDiscordAlerter(config.DiscordToken, config.DiscordChannel, logger)
		if err != nil {
			return nil, err
		}
	}

	coord, err := coordinator.New(coordinator.Config{
		InitiatorWindow: window,
		Margin:          margin,
		RetryBase:       retryBase,
		MaxAttempts:     config.MaxAttempts,
	}, led, sessions, mon, adapters, alerter, logger)
	if err != nil {
		return nil, err
	}

	rpcServer, err := rpc.NewServer(coord, config.RpcUserName, config.RpcPassword, logger)
	if err != nil {
		return nil, err
	}
	listen := config.RPCListen
	if listen == "" {
		listen = ":8080"
	}

	return &Crossd{
		logger:    logger,
		mon:       mon,
		coord:     coord,
		rpcServer: rpcServer,
		listen:    listen,
	}, nil
}

// Start brings up the monitor and the coordinator, then serves RPC. It
// blocks until Stop is called.
func (d *Crossd) Start() error {
	if err := d.mon.Start(); err != nil {
		return err
	}
	if err := d.coord.Start(); err != nil {
		return err
	}
	return d.rpcServer.Start(d.listen)
}

func (d *Crossd) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.rpcServer.Stop(ctx); err != nil {
		d.logger.Error("rpc shutdown", zap.Error(err))
	}
	d.coord.Stop()
	d.mon.Stop()
}

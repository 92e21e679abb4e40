package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/ghostfi/ghost/backend/internal/bundle"
	"github.com/ghostfi/ghost/backend/internal/config"
	"github.com/ghostfi/ghost/backend/internal/ghostbridge"
	"github.com/ghostfi/ghost/backend/internal/ordercodec"
	"github.com/ghostfi/ghost/backend/internal/pricefeed"
	"github.com/ghostfi/ghost/backend/internal/shield"
)

// Service wires the executor: chain client, price monitor and stream, bundle
// submitter, settlement store, and the coordinator, then keeps the watch set
// in sync with on-chain encrypted order accounts.
type Service struct {
	cfg          config.ExecutorConfig
	rpc          *rpc.Client
	signer       solana.PrivateKey
	coordinator  *Coordinator
	monitor      *pricefeed.Monitor
	stream       *pricefeed.Stream
	orchestrator *shield.Orchestrator
	store        shield.SettlementStore
	logger       *slog.Logger
}

func New(cfg config.ExecutorConfig, logger *slog.Logger) (*Service, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}

	keypair, err := ordercodec.NewKeypairFromHex(cfg.DecryptKeyHex)
	if err != nil {
		return nil, err
	}

	ghostbridge.ProgramID = cfg.BridgeProgramID

	rpcClient := rpc.New(cfg.RPCURL)

	hermes := pricefeed.NewHermesClient(cfg.HermesEndpoint, 10*time.Second)
	monitor := pricefeed.NewMonitor(hermes, cfg.PriceStaleness, logger)

	var stream *pricefeed.Stream
	if cfg.EnablePriceStream {
		stream = pricefeed.NewStream(cfg.PriceStreamURL, monitor.SubscribedFeeds, monitor, cfg.StreamReconnectInterval, logger)
	}

	relay := bundle.NewRelayClient(cfg.RelayEndpoint, cfg.RelayTimeout)
	chain := bundle.NewRPCChain(rpcClient, cfg.Commitment)
	submitter := bundle.NewSubmitter(chain, relay, signer, bundle.Config{
		ComputeUnitLimit:              cfg.ComputeUnitLimit,
		ComputeUnitPriceMicroLamports: cfg.ComputeUnitPriceMicroLamports,
		TipLamports:                   cfg.TipLamports,
		TipEscalationFactor:           cfg.TipEscalationFactor,
		MaxTipLamports:                cfg.MaxTipLamports,
		MaxAttempts:                   cfg.MaxBundleAttempts,
		PollInterval:                  cfg.BundlePollInterval,
		PollAttempts:                  cfg.BundlePollAttempts,
	}, logger)

	var store shield.SettlementStore
	if cfg.SettlementDBDSN != "" {
		store, err = shield.NewStore(cfg.SettlementDBDSN)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("settlement store is in-memory; pending settlements will not survive a restart")
		store = shield.NewMemoryStore()
	}

	compression := shield.NewCompressionClient(rpcClient)
	orchestrator := shield.NewOrchestrator(submitter, compression, store, logger)

	coordinator := NewCoordinator(Config{
		PollInterval:      cfg.PollInterval,
		MaxMatchesPerTick: cfg.MaxMatchesPerTick,
		PriceStaleness:    cfg.PriceStaleness,
		DriftSubAccountID: cfg.DriftSubAccountID,
		RedelegateAfter:   cfg.RedelegateAfter,
	}, rpcClient, submitter, keypair, monitor, signer.PublicKey(), Callbacks{}, logger)

	return &Service{
		cfg:          cfg,
		rpc:          rpcClient,
		signer:       signer,
		coordinator:  coordinator,
		monitor:      monitor,
		stream:       stream,
		orchestrator: orchestrator,
		store:        store,
		logger:       logger,
	}, nil
}

// Run blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	defer s.store.Close()

	s.logger.Info("executor started",
		"rpc", s.cfg.RPCURL,
		"commitment", s.cfg.Commitment,
		"payer", s.signer.PublicKey(),
		"bridge_program", s.cfg.BridgeProgramID,
	)

	if s.stream != nil {
		go s.stream.Run(ctx)
	}

	if err := s.coordinator.Start(ctx); err != nil {
		return err
	}
	defer s.coordinator.Stop()

	if err := s.discoverOrders(ctx); err != nil {
		s.logger.Error("order discovery failed", "err", err)
	}
	if err := s.orchestrator.SettlePending(ctx); err != nil {
		s.logger.Warn("pending settlement retry failed", "err", err)
	}

	// Discovery and settlement retry run at a coarser cadence than the
	// coordinator's price ticks.
	discoveryInterval := 10 * s.cfg.PollInterval
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("executor stopped")
			return nil
		case <-ticker.C:
			if err := s.discoverOrders(ctx); err != nil {
				s.logger.Error("order discovery failed", "err", err)
			}
			if err := s.orchestrator.SettlePending(ctx); err != nil {
				s.logger.Warn("pending settlement retry failed", "err", err)
			}
		}
	}
}

// discoverOrders scans the program for encrypted order accounts and puts the
// live ones under watch.
func (s *Service) discoverOrders(ctx context.Context) error {
	accounts, err := s.rpc.GetProgramAccountsWithOpts(ctx, ghostbridge.ProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: s.cfg.Commitment,
		Filters: []rpc.RPCFilter{
			{DataSize: ghostbridge.EncryptedOrderLen},
		},
	})
	if err != nil {
		return fmt.Errorf("scan encrypted orders: %w", err)
	}

	added := 0
	for _, account := range accounts {
		order, err := ghostbridge.ParseEncryptedOrder(account.Account.Data.GetBinary())
		if err != nil {
			continue
		}
		switch order.Status {
		case ghostbridge.OrderStatusActive, ghostbridge.OrderStatusTriggered:
			s.coordinator.AddOrder(account.Pubkey)
			added++
		}
	}

	s.logger.Debug("order discovery complete", "accounts", len(accounts), "watchable", added, "watched", s.coordinator.WatchCount())
	return nil
}

// ghostctl is the operator tool for the encrypted order program: key
// generation, executor authority setup, order lifecycle, delegation, and
// shielded trades.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/ghostfi/ghost/backend/internal/bundle"
	"github.com/ghostfi/ghost/backend/internal/config"
	"github.com/ghostfi/ghost/backend/internal/ghostbridge"
	"github.com/ghostfi/ghost/backend/internal/logging"
	"github.com/ghostfi/ghost/backend/internal/ordercodec"
	"github.com/ghostfi/ghost/backend/internal/pricefeed"
	"github.com/ghostfi/ghost/backend/internal/shield"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadCtlConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("ghostctl", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		_ = closeLogger()
	}()

	ghostbridge.ProgramID = cfg.BridgeProgramID

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tool := &tool{cfg: cfg, logger: logger}
	if err := tool.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("command failed", "command", os.Args[1], "err", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: ghostctl <command> [flags]

commands:
  keygen            generate an executor decrypt keypair
  init-executor     create the owner's executor authority account
  authorize         grant or revoke a standing executor key
  create-order      encrypt and publish a triggered order
  cancel-order      cancel an active order (owner only)
  close-order       close an executed/cancelled order and reclaim rent
  delegate          delegate the executor authority or one order
  undelegate        commit the executor authority back to the base ledger
  shielded-open     decompress, deposit, and open a position in one bundle
  shielded-close    close a position, withdraw, and compress back
  settle-pending    retry pending shielded settlements`)
}

type tool struct {
	cfg    config.CtlConfig
	logger *slog.Logger

	rpcClient *rpc.Client
	signer    solana.PrivateKey
}

func (t *tool) run(ctx context.Context, command string, args []string) error {
	if command == "keygen" {
		return t.keygen(args)
	}

	signer, err := solana.PrivateKeyFromSolanaKeygenFile(t.cfg.KeypairPath)
	if err != nil {
		return fmt.Errorf("load keypair %q: %w", t.cfg.KeypairPath, err)
	}
	t.signer = signer
	t.rpcClient = rpc.New(t.cfg.RPCURL)

	switch command {
	case "init-executor":
		return t.initExecutor(ctx)
	case "authorize":
		return t.authorize(ctx, args)
	case "create-order":
		return t.createOrder(ctx, args)
	case "cancel-order":
		return t.cancelOrder(ctx, args)
	case "close-order":
		return t.closeOrder(ctx, args)
	case "delegate":
		return t.delegate(ctx, args)
	case "undelegate":
		return t.undelegate(ctx)
	case "shielded-open":
		return t.shieldedOpen(ctx, args)
	case "shielded-close":
		return t.shieldedClose(ctx, args)
	case "settle-pending":
		return t.settlePending(ctx)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func (t *tool) keygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	outPath := fs.String("out", "executor-key.hex", "file to write the private key to (mode 0600)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	keypair, err := ordercodec.GenerateKeypair()
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outPath, []byte(keypair.PrivateKeyHex()+"\n"), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	fmt.Printf("public key:  %s\n", keypair.PublicKeyHex())
	fmt.Printf("private key: written to %s; set it as EXECUTOR_DECRYPT_KEY on the executor host\n", *outPath)
	t.logger.Info("executor keypair generated", "public_key", keypair.PublicKeyHex(), "key_file", *outPath)
	return nil
}

func (t *tool) initExecutor(ctx context.Context) error {
	ix := ghostbridge.NewInitExecutorInstruction(t.signer.PublicKey())
	sig, err := t.send(ctx, ix)
	if err != nil {
		return err
	}
	t.logger.Info("executor authority initialized", "owner", t.signer.PublicKey(), "signature", sig)
	return nil
}

func (t *tool) authorize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("authorize", flag.ContinueOnError)
	executorStr := fs.String("executor", "", "executor public key (base58)")
	revoke := fs.Bool("revoke", false, "revoke instead of grant")
	if err := fs.Parse(args); err != nil {
		return err
	}
	executor, err := solana.PublicKeyFromBase58(strings.TrimSpace(*executorStr))
	if err != nil {
		return fmt.Errorf("invalid -executor: %w", err)
	}

	ix := ghostbridge.NewAuthorizeExecutorInstruction(t.signer.PublicKey(), executor, !*revoke)
	sig, err := t.send(ctx, ix)
	if err != nil {
		return err
	}
	t.logger.Info("executor authorization updated", "executor", executor, "granted", !*revoke, "signature", sig)
	return nil
}

func (t *tool) createOrder(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create-order", flag.ContinueOnError)
	executorPub := fs.String("executor-pub", "", "executor encryption public key (hex)")
	orderID := fs.Uint64("order-id", 0, "client order id")
	marketIndex := fs.Uint("market-index", 0, "perp market index")
	triggerPrice := fs.Int64("trigger-price", 0, "trigger price, 1e6 fixed point")
	condition := fs.String("condition", "", "above | below")
	side := fs.String("side", "", "long | short")
	base := fs.Uint64("base", 0, "base asset amount")
	reduceOnly := fs.Bool("reduce-only", false, "reduce-only order")
	expiry := fs.Int64("expiry", 0, "unix expiry, 0 = never")
	feedIDHex := fs.String("feed-id", "", "price feed id (hex)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cond, err := parseCondition(*condition)
	if err != nil {
		return err
	}
	orderSide, err := parseSide(*side)
	if err != nil {
		return err
	}
	feedID, err := pricefeed.ParseFeedID(*feedIDHex)
	if err != nil {
		return err
	}
	if *triggerPrice <= 0 || *base == 0 {
		return fmt.Errorf("trigger-price and base must be positive")
	}

	params := ordercodec.OrderParams{
		Owner:            t.signer.PublicKey(),
		OrderID:          *orderID,
		MarketIndex:      uint16(*marketIndex),
		TriggerPrice:     *triggerPrice,
		TriggerCondition: cond,
		Side:             orderSide,
		BaseAssetAmount:  *base,
		ReduceOnly:       *reduceOnly,
		Expiry:           *expiry,
		FeedID:           feedID,
	}

	_, envelope, err := ordercodec.Encrypt(params, strings.TrimSpace(*executorPub))
	if err != nil {
		return err
	}

	ix, err := ghostbridge.NewCreateEncryptedOrderInstruction(t.signer.PublicKey(), envelope.Hash, envelope.Ciphertext, feedID)
	if err != nil {
		return err
	}
	sig, err := t.send(ctx, ix)
	if err != nil {
		return err
	}
	t.logger.Info("encrypted order created",
		"order_hash", hex.EncodeToString(envelope.Hash[:]),
		"account", ghostbridge.MustDeriveEncryptedOrderPDA(t.signer.PublicKey(), envelope.Hash),
		"signature", sig,
	)
	return nil
}

func (t *tool) cancelOrder(ctx context.Context, args []string) error {
	hash, err := parseHashArg("cancel-order", args)
	if err != nil {
		return err
	}
	sig, err := t.send(ctx, ghostbridge.NewCancelEncryptedOrderInstruction(t.signer.PublicKey(), hash))
	if err != nil {
		return err
	}
	t.logger.Info("order cancelled", "order_hash", hex.EncodeToString(hash[:]), "signature", sig)
	return nil
}

func (t *tool) closeOrder(ctx context.Context, args []string) error {
	hash, err := parseHashArg("close-order", args)
	if err != nil {
		return err
	}
	sig, err := t.send(ctx, ghostbridge.NewCloseEncryptedOrderInstruction(t.signer.PublicKey(), hash))
	if err != nil {
		return err
	}
	t.logger.Info("order closed", "order_hash", hex.EncodeToString(hash[:]), "signature", sig)
	return nil
}

func (t *tool) delegate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delegate", flag.ContinueOnError)
	hashHex := fs.String("order-hash", "", "delegate a single order instead of the executor authority")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		ix  solana.Instruction
		err error
	)
	if strings.TrimSpace(*hashHex) != "" {
		var hash [32]byte
		hash, err = parseHash(*hashHex)
		if err != nil {
			return err
		}
		ix, err = ghostbridge.NewDelegateEncryptedOrderInstruction(t.signer.PublicKey(), hash)
	} else {
		ix, err = ghostbridge.NewDelegateExecutorInstruction(t.signer.PublicKey())
	}
	if err != nil {
		return err
	}

	sig, err := t.send(ctx, ix)
	if err != nil {
		return err
	}
	t.logger.Info("delegated to ephemeral execution context", "signature", sig)
	return nil
}

func (t *tool) undelegate(ctx context.Context) error {
	ix := ghostbridge.NewUndelegateExecutorInstruction(t.signer.PublicKey(), t.signer.PublicKey())
	sig, err := t.send(ctx, ix)
	if err != nil {
		return err
	}
	t.logger.Info("undelegated from ephemeral execution context", "signature", sig)
	return nil
}

func (t *tool) shieldedOpen(ctx context.Context, args []string) error {
	params, err := t.parseTradeParams("shielded-open", args)
	if err != nil {
		return err
	}

	// Opening never records settlements; the throwaway store is enough.
	result, err := t.newOrchestrator(shield.NewMemoryStore()).OpenShielded(ctx, params)
	if err != nil {
		return err
	}
	t.logger.Info("shielded position opened",
		"signature", result.Signature,
		"bundle_id", result.BundleID,
		"tip", result.Tip,
	)
	return nil
}

func (t *tool) shieldedClose(ctx context.Context, args []string) error {
	params, err := t.parseTradeParams("shielded-close", args)
	if err != nil {
		return err
	}

	store, err := t.settlementStore()
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := t.newOrchestrator(store).CloseShielded(ctx, params)
	if err != nil {
		return err
	}
	t.logger.Info("shielded position closed",
		"signature", result.Signature,
		"bundle_id", result.BundleID,
		"tip", result.Tip,
	)
	return nil
}

func (t *tool) settlePending(ctx context.Context) error {
	dsn := strings.TrimSpace(os.Getenv("SETTLEMENT_DB_DSN"))
	if dsn == "" {
		return fmt.Errorf("SETTLEMENT_DB_DSN is required for settle-pending")
	}
	store, err := shield.NewStore(dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := t.newOrchestrator(store).SettlePending(ctx); err != nil {
		return err
	}
	t.logger.Info("pending settlements processed")
	return nil
}

func (t *tool) newOrchestrator(store shield.SettlementStore) *shield.Orchestrator {
	relay := bundle.NewRelayClient(t.cfg.RelayEndpoint, t.cfg.RelayTimeout)
	chain := bundle.NewRPCChain(t.rpcClient, t.cfg.Commitment)
	submitter := bundle.NewSubmitter(chain, relay, t.signer, bundle.Config{}, t.logger)
	compression := shield.NewCompressionClient(t.rpcClient)
	return shield.NewOrchestrator(submitter, compression, store, t.logger)
}

// settlementStore prefers Postgres so a compress gap recorded by a close
// survives the process; without a DSN the record lives only until exit.
func (t *tool) settlementStore() (shield.SettlementStore, error) {
	dsn := strings.TrimSpace(os.Getenv("SETTLEMENT_DB_DSN"))
	if dsn == "" {
		t.logger.Warn("SETTLEMENT_DB_DSN not set; a pending settlement recorded by this run will not survive it")
		return shield.NewMemoryStore(), nil
	}
	return shield.NewStore(dsn)
}

func (t *tool) parseTradeParams(name string, args []string) (shield.TradeParams, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	mintStr := fs.String("mint", "", "collateral token mint (base58)")
	subAccount := fs.Uint("sub-account", 0, "venue sub-account id")
	spotMarket := fs.Uint("spot-market", 0, "spot market index of the collateral")
	perpMarket := fs.Uint("perp-market", 0, "perp market index")
	collateral := fs.Uint64("collateral", 0, "collateral amount, token base units")
	base := fs.Uint64("base", 0, "base asset amount")
	side := fs.String("side", "", "long | short")
	if err := fs.Parse(args); err != nil {
		return shield.TradeParams{}, err
	}

	mint, err := solana.PublicKeyFromBase58(strings.TrimSpace(*mintStr))
	if err != nil {
		return shield.TradeParams{}, fmt.Errorf("invalid -mint: %w", err)
	}
	orderSide, err := parseSide(*side)
	if err != nil {
		return shield.TradeParams{}, err
	}
	if *collateral == 0 || *base == 0 {
		return shield.TradeParams{}, fmt.Errorf("collateral and base must be positive")
	}

	return shield.TradeParams{
		Owner:            t.signer.PublicKey(),
		SubAccountID:     uint16(*subAccount),
		TokenMint:        mint,
		SpotMarketIndex:  uint16(*spotMarket),
		PerpMarketIndex:  uint16(*perpMarket),
		CollateralAmount: *collateral,
		BaseAssetAmount:  *base,
		Side:             orderSide,
	}, nil
}

func (t *tool) send(ctx context.Context, instructions ...solana.Instruction) (solana.Signature, error) {
	recent, err := t.rpcClient.GetLatestBlockhash(ctx, t.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(t.signer.PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if t.signer.PublicKey().Equals(key) {
			return &t.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := t.rpcClient.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: t.cfg.Commitment,
	})
	if err != nil {
		return solana.Signature{}, err
	}

	if err := t.waitForConfirmation(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

func (t *tool) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.Now().Add(45 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("confirmation timeout for %s", sig)
		}

		statuses, err := t.rpcClient.GetSignatureStatuses(ctx, false, sig)
		if err != nil || statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
			continue
		}
		status := statuses.Value[0]
		if status.Err != nil {
			return fmt.Errorf("transaction %s failed: %v", sig, status.Err)
		}
		switch status.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return nil
		}
	}
}

func parseHashArg(name string, args []string) ([32]byte, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	hashHex := fs.String("order-hash", "", "order commitment hash (hex)")
	if err := fs.Parse(args); err != nil {
		return [32]byte{}, err
	}
	return parseHash(*hashHex)
}

func parseHash(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return out, fmt.Errorf("invalid order hash: %w", err)
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("invalid order hash: got %d bytes, want 32", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func parseCondition(raw string) (ordercodec.TriggerCondition, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "above":
		return ordercodec.TriggerAbove, nil
	case "below":
		return ordercodec.TriggerBelow, nil
	default:
		return 0, fmt.Errorf("invalid -condition %q (expected above|below)", raw)
	}
}

func parseSide(raw string) (ordercodec.Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long":
		return ordercodec.SideLong, nil
	case "short":
		return ordercodec.SideShort, nil
	default:
		return 0, fmt.Errorf("invalid -side %q (expected long|short)", raw)
	}
}

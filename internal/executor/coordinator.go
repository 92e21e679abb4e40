// Package executor watches encrypted order accounts, decrypts them with the
// executor key, evaluates trigger conditions against live prices, and lands
// the execution bundles.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/ghostfi/ghost/backend/internal/bundle"
	"github.com/ghostfi/ghost/backend/internal/ghostbridge"
	"github.com/ghostfi/ghost/backend/internal/ordercodec"
	"github.com/ghostfi/ghost/backend/internal/pricefeed"
)

// Submitter lands instruction sets as atomic bundles.
type Submitter interface {
	SubmitWithRetry(ctx context.Context, instructions []solana.Instruction) bundle.Result
}

type Config struct {
	PollInterval      time.Duration
	MaxMatchesPerTick int
	PriceStaleness    time.Duration
	DriftSubAccountID uint16
	RedelegateAfter   bool
}

// Callbacks surface order lifecycle events. Nil callbacks are skipped.
type Callbacks struct {
	OnOrderTriggered         func(order solana.PublicKey, price int64)
	OnOrderReadyForExecution func(order solana.PublicKey, price int64)
	OnOrderError             func(order solana.PublicKey, err error)
}

// readyMark is the first half of the delegated two-phase path: the observed
// price that matched, held until the next tick's execution pass.
type readyMark struct {
	price pricefeed.PricePoint
}

type watchedOrder struct {
	pubkey  solana.PublicKey
	account *ghostbridge.EncryptedOrder
	params  *ordercodec.OrderParams
	ready   *readyMark
}

// Coordinator runs the monitoring loop. A single timer drives every tick;
// executions within a tick are sequential so two orders can never race the
// same venue account.
type Coordinator struct {
	cfg       Config
	chain     chainReader
	submitter Submitter
	keypair   *ordercodec.Keypair
	monitor   *pricefeed.Monitor
	payer     solana.PublicKey
	callbacks Callbacks
	logger    *slog.Logger

	mu      sync.Mutex
	watched map[solana.PublicKey]*watchedOrder

	stopCh  chan struct{}
	done    chan struct{}
	started bool

	now func() time.Time
}

func NewCoordinator(cfg Config, chain chainReader, submitter Submitter, keypair *ordercodec.Keypair, monitor *pricefeed.Monitor, payer solana.PublicKey, callbacks Callbacks, logger *slog.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxMatchesPerTick <= 0 {
		cfg.MaxMatchesPerTick = 4
	}
	return &Coordinator{
		cfg:       cfg,
		chain:     chain,
		submitter: submitter,
		keypair:   keypair,
		monitor:   monitor,
		payer:     payer,
		callbacks: callbacks,
		logger:    logger,
		watched:   make(map[solana.PublicKey]*watchedOrder),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the polling loop. Calling it twice is an error.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Stop halts scheduling of new ticks and waits for the loop to exit. An
// in-flight tick finishes its current submission first.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	<-c.done
}

// AddOrder puts an encrypted order account under watch.
func (c *Coordinator) AddOrder(pubkey solana.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.watched[pubkey]; exists {
		return
	}
	c.watched[pubkey] = &watchedOrder{pubkey: pubkey}
}

// RemoveOrder drops an order from the watch set.
func (c *Coordinator) RemoveOrder(pubkey solana.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(pubkey)
}

func (c *Coordinator) dropLocked(pubkey solana.PublicKey) {
	order, ok := c.watched[pubkey]
	if !ok {
		return
	}
	if order.params != nil {
		c.monitor.Unsubscribe(order.params.FeedID)
	}
	delete(c.watched, pubkey)
}

// WatchCount reports the current watch set size.
func (c *Coordinator) WatchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watched)
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	c.logger.Info("execution coordinator started",
		"poll_interval", c.cfg.PollInterval.String(),
		"max_matches_per_tick", c.cfg.MaxMatchesPerTick,
		"payer", c.payer,
	)

	if err := c.tick(ctx); err != nil {
		c.logger.Error("coordinator tick failed", "err", err)
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("execution coordinator stopped")
			return
		case <-c.stopCh:
			c.logger.Info("execution coordinator stopped")
			return
		case <-ticker.C:
			if err := c.tick(ctx); err != nil {
				c.logger.Error("coordinator tick failed", "err", err)
			}
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) error {
	orders := c.snapshot()
	if len(orders) == 0 {
		return nil
	}

	// Transient read failures abort the tick; the watch set is untouched and
	// the next tick retries.
	if err := c.refreshAccounts(ctx, orders); err != nil {
		return err
	}

	c.decryptPending()

	if err := c.monitor.Refresh(ctx); err != nil {
		return err
	}

	execute := c.collectExecutable()

	executed := 0
	for _, pubkey := range execute {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		order := c.lookup(pubkey)
		if order == nil {
			continue
		}
		if err := c.process(ctx, order); err != nil {
			c.reportError(pubkey, err)
			c.logger.Warn("order processing failed", "order", pubkey, "err", err)
			continue
		}
		executed++
	}

	if executed > 0 {
		c.logger.Info("coordinator tick complete", "watched", len(orders), "matched", len(execute), "executed", executed)
	}
	return nil
}

func (c *Coordinator) snapshot() []solana.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]solana.PublicKey, 0, len(c.watched))
	for key := range c.watched {
		keys = append(keys, key)
	}
	return keys
}

func (c *Coordinator) lookup(pubkey solana.PublicKey) *watchedOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watched[pubkey]
}

func (c *Coordinator) refreshAccounts(ctx context.Context, keys []solana.PublicKey) error {
	result, err := c.chain.GetMultipleAccounts(ctx, keys...)
	if err != nil {
		return fmt.Errorf("refresh order accounts: %w", err)
	}
	if result == nil {
		return fmt.Errorf("refresh order accounts: empty response")
	}
	if len(result.Value) != len(keys) {
		return fmt.Errorf("refresh order accounts: got %d results for %d keys", len(result.Value), len(keys))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, info := range result.Value {
		pubkey := keys[i]
		order, ok := c.watched[pubkey]
		if !ok {
			continue
		}
		if info == nil {
			// Account closed out from under us; nothing left to execute.
			c.dropLocked(pubkey)
			continue
		}

		parsed, err := ghostbridge.ParseEncryptedOrder(info.Data.GetBinary())
		if err != nil {
			c.dropLocked(pubkey)
			go c.reportError(pubkey, err)
			continue
		}
		order.account = parsed

		switch parsed.Status {
		case ghostbridge.OrderStatusExecuted, ghostbridge.OrderStatusCancelled:
			c.dropLocked(pubkey)
		}
	}
	return nil
}

// decryptPending opens any watched order that has not been decrypted yet. A
// failed decrypt (wrong key) is skipped but retained; the ciphertext may
// belong to a different executor instance today and to this one after a key
// rotation completes.
func (c *Coordinator) decryptPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for pubkey, order := range c.watched {
		if order.params != nil || order.account == nil {
			continue
		}

		params, err := c.keypair.Decrypt(order.account.Ciphertext())
		if err != nil {
			c.logger.Debug("order not decryptable with this key", "order", pubkey, "err", err)
			continue
		}
		if params.Hash() != order.account.OrderHash {
			c.dropLocked(pubkey)
			go c.reportError(pubkey, fmt.Errorf("decrypted payload does not match on-chain commitment"))
			continue
		}

		order.params = &params
		c.monitor.Subscribe(params.FeedID)
		c.logger.Info("order decrypted",
			"order", pubkey,
			"market_index", params.MarketIndex,
			"condition", params.TriggerCondition.String(),
			"side", params.Side.String(),
		)
	}
}

// collectExecutable returns the orders to act on this tick: trigger matches
// capped per tick, plus delegated orders already marked ready.
func (c *Coordinator) collectExecutable() []solana.PublicKey {
	c.mu.Lock()
	now := c.now().Unix()
	candidates := make([]pricefeed.Candidate, 0, len(c.watched))
	ready := make([]solana.PublicKey, 0)
	for pubkey, order := range c.watched {
		if order.params == nil || order.account == nil || !order.account.IsActive() {
			continue
		}
		// Past expiry the order can only be cancelled by its owner.
		if order.params.IsExpired(now) {
			continue
		}
		if order.ready != nil {
			ready = append(ready, pubkey)
			continue
		}
		candidates = append(candidates, pricefeed.Candidate{
			Key:          pubkey.String(),
			FeedID:       order.params.FeedID,
			Condition:    order.params.TriggerCondition,
			TriggerPrice: order.params.TriggerPrice,
		})
	}
	c.mu.Unlock()

	matched := c.monitor.MatchAll(candidates, c.cfg.MaxMatchesPerTick)

	out := ready
	for _, key := range matched {
		pubkey, err := solana.PublicKeyFromBase58(key)
		if err != nil {
			continue
		}
		out = append(out, pubkey)
	}
	return out
}

// process handles one matched order. The delegation flag gates the path:
// delegated orders go two-phase (mark ready with the observed price, execute
// on a later pass if that price is still fresh), undelegated orders trigger
// and execute in a single atomic bundle.
func (c *Coordinator) process(ctx context.Context, order *watchedOrder) error {
	if order.account.IsDelegated {
		return c.processDelegated(ctx, order)
	}
	return c.execute(ctx, order, false)
}

func (c *Coordinator) processDelegated(ctx context.Context, order *watchedOrder) error {
	if order.ready == nil {
		point, ok := c.monitor.LastPrice(order.params.FeedID)
		if !ok {
			return fmt.Errorf("matched order has no price point")
		}
		order.ready = &readyMark{price: point}
		c.logger.Info("order marked ready for execution", "order", order.pubkey, "price", point.Price)
		if c.callbacks.OnOrderReadyForExecution != nil {
			c.callbacks.OnOrderReadyForExecution(order.pubkey, point.Price)
		}
		return nil
	}

	// Staleness is re-checked at execute time: a mark-ready price that aged
	// past the bound is discarded and the order goes back to watch.
	if c.cfg.PriceStaleness > 0 {
		age := c.now().Unix() - order.ready.price.PublishTime
		if age > int64(c.cfg.PriceStaleness/time.Second) {
			c.logger.Warn("ready price went stale, returning order to watch", "order", order.pubkey, "age_seconds", age)
			order.ready = nil
			return nil
		}
	}
	return c.execute(ctx, order, c.cfg.RedelegateAfter)
}

func (c *Coordinator) execute(ctx context.Context, order *watchedOrder, redelegateAfter bool) error {
	params := order.params

	accounts, err := resolveExecutionAccounts(ctx, c.chain, order.account.Owner, c.cfg.DriftSubAccountID, params.MarketIndex, params.FeedID)
	if err != nil {
		return err
	}

	args := ghostbridge.TriggerAndExecuteArgs{
		Salt:             params.Salt,
		OrderID:          params.OrderID,
		MarketIndex:      params.MarketIndex,
		TriggerPrice:     params.TriggerPrice,
		TriggerCondition: uint8(params.TriggerCondition),
		OrderSide:        uint8(params.Side),
		BaseAssetAmount:  params.BaseAssetAmount,
		ReduceOnly:       params.ReduceOnly,
		Expiry:           params.Expiry,
		RedelegateAfter:  redelegateAfter,
	}
	instruction, err := ghostbridge.NewTriggerAndExecuteInstruction(c.payer, order.account.Owner, order.account.OrderHash, args, accounts)
	if err != nil {
		return err
	}

	result := c.submitter.SubmitWithRetry(ctx, []solana.Instruction{instruction})
	if !result.Landed {
		// Leave every bit of state in place, ready mark included, so the next
		// tick retries; the staleness re-check decides whether the held price
		// still stands by then.
		if result.Err != nil {
			return result.Err
		}
		return errors.New("execution bundle did not land")
	}

	executionPrice := params.TriggerPrice
	if order.ready != nil {
		executionPrice = order.ready.price.Price
	} else if point, ok := c.monitor.LastPrice(params.FeedID); ok {
		executionPrice = point.Price
	}

	// Remove before the next tick so a landed execution is never retried.
	c.mu.Lock()
	c.dropLocked(order.pubkey)
	c.mu.Unlock()

	c.logger.Info("order executed",
		"order", order.pubkey,
		"signature", result.Signature,
		"bundle_id", result.BundleID,
		"price", executionPrice,
	)
	if c.callbacks.OnOrderTriggered != nil {
		c.callbacks.OnOrderTriggered(order.pubkey, executionPrice)
	}
	return nil
}

func (c *Coordinator) reportError(pubkey solana.PublicKey, err error) {
	if c.callbacks.OnOrderError != nil {
		c.callbacks.OnOrderError(pubkey, err)
	}
}

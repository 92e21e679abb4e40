package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/ghostfi/ghost/backend/internal/bundle"
	"github.com/ghostfi/ghost/backend/internal/drift"
	"github.com/ghostfi/ghost/backend/internal/ghostbridge"
	"github.com/ghostfi/ghost/backend/internal/ordercodec"
	"github.com/ghostfi/ghost/backend/internal/pricefeed"
)

var testFeed = [32]byte{0xe6, 0x2d, 0xf6, 0xc8}

// scriptedSource replays one price per refresh, holding the last price once
// the script runs out.
type scriptedSource struct {
	prices []int64
	idx    int
}

func (s *scriptedSource) Latest(context.Context, [][32]byte) ([]pricefeed.PricePoint, error) {
	price := s.prices[len(s.prices)-1]
	if s.idx < len(s.prices) {
		price = s.prices[s.idx]
		s.idx++
	}
	return []pricefeed.PricePoint{{FeedID: testFeed, Price: price, PublishTime: time.Now().Unix()}}, nil
}

type stubChain struct {
	data map[solana.PublicKey][]byte
}

func accountData(raw []byte) *rpc.DataBytesOrJSON {
	encoded, err := json.Marshal([]string{base64.StdEncoding.EncodeToString(raw), "base64"})
	if err != nil {
		panic(err)
	}
	var out rpc.DataBytesOrJSON
	if err := json.Unmarshal(encoded, &out); err != nil {
		panic(err)
	}
	return &out
}

func (c *stubChain) GetAccountInfo(_ context.Context, key solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	raw, ok := c.data[key]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{Data: accountData(raw)}}, nil
}

func (c *stubChain) GetMultipleAccounts(_ context.Context, keys ...solana.PublicKey) (*rpc.GetMultipleAccountsResult, error) {
	out := &rpc.GetMultipleAccountsResult{Value: make([]*rpc.Account, len(keys))}
	for i, key := range keys {
		if raw, ok := c.data[key]; ok {
			out.Value[i] = &rpc.Account{Data: accountData(raw)}
		}
	}
	return out, nil
}

type recordingSubmitter struct {
	landed bool
	calls  [][]solana.Instruction
}

func (s *recordingSubmitter) SubmitWithRetry(_ context.Context, instructions []solana.Instruction) bundle.Result {
	s.calls = append(s.calls, instructions)
	if !s.landed {
		return bundle.Result{Phase: bundle.PhaseConfirm, Err: &bundle.SubmissionError{Err: context.DeadlineExceeded}}
	}
	var sig solana.Signature
	sig[0] = byte(len(s.calls))
	return bundle.Result{Landed: true, Signature: sig, BundleID: "bundle-1"}
}

type fixture struct {
	coordinator *Coordinator
	chain       *stubChain
	submitter   *recordingSubmitter
	orderKey    solana.PublicKey
	owner       solana.PublicKey
}

func newFixture(t *testing.T, delegated bool, expiry int64, source *scriptedSource, callbacks Callbacks) *fixture {
	t.Helper()

	keypair, err := ordercodec.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return newFixtureWithKey(t, keypair, keypair, delegated, expiry, source, callbacks)
}

// newFixtureWithKey encrypts to encryptTo but hands decryptWith to the
// coordinator, so wrong-key scenarios can be staged.
func newFixtureWithKey(t *testing.T, encryptTo, decryptWith *ordercodec.Keypair, delegated bool, expiry int64, source *scriptedSource, callbacks Callbacks) *fixture {
	t.Helper()

	owner := solana.NewWallet().PublicKey()
	params := ordercodec.OrderParams{
		Owner:            owner,
		OrderID:          1,
		MarketIndex:      1,
		TriggerPrice:     180_000_000,
		TriggerCondition: ordercodec.TriggerBelow,
		Side:             ordercodec.SideLong,
		BaseAssetAmount:  1_000_000_000,
		Expiry:           expiry,
		FeedID:           testFeed,
	}
	_, envelope, err := ordercodec.Encrypt(params, encryptTo.PublicKeyHex())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	account := &ghostbridge.EncryptedOrder{
		Owner:       owner,
		OrderHash:   envelope.Hash,
		DataLen:     uint16(len(envelope.Ciphertext)),
		Status:      ghostbridge.OrderStatusActive,
		IsDelegated: delegated,
	}
	copy(account.EncryptedData[:], envelope.Ciphertext)
	account.FeedID = testFeed

	orderKey := ghostbridge.MustDeriveEncryptedOrderPDA(owner, envelope.Hash)

	perpMarket, _, err := drift.DerivePerpMarketPDA(params.MarketIndex)
	if err != nil {
		t.Fatalf("DerivePerpMarketPDA: %v", err)
	}
	perpData := make([]byte, 104)
	copy(perpData[40:], solana.MustPublicKeyFromBase58("SysvarC1ock11111111111111111111111111111111").Bytes())

	chain := &stubChain{data: map[solana.PublicKey][]byte{
		orderKey:   ghostbridge.MarshalEncryptedOrder(account),
		perpMarket: perpData,
	}}

	submitter := &recordingSubmitter{landed: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	monitor := pricefeed.NewMonitor(source, 0, logger)
	payer := solana.NewWallet().PublicKey()

	coordinator := NewCoordinator(Config{
		PollInterval:      time.Second,
		MaxMatchesPerTick: 4,
		PriceStaleness:    30 * time.Second,
	}, chain, submitter, decryptWith, monitor, payer, callbacks, logger)
	coordinator.AddOrder(orderKey)

	return &fixture{
		coordinator: coordinator,
		chain:       chain,
		submitter:   submitter,
		orderKey:    orderKey,
		owner:       owner,
	}
}

func TestTickExecutesOnceWhenPriceCrossesTrigger(t *testing.T) {
	var triggered []int64
	source := &scriptedSource{prices: []int64{185_000_000, 182_000_000, 179_000_000}}
	f := newFixture(t, false, 0, source, Callbacks{
		OnOrderTriggered: func(_ solana.PublicKey, price int64) {
			triggered = append(triggered, price)
		},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.coordinator.tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
		if len(f.submitter.calls) != 0 {
			t.Fatalf("tick %d: price above trigger must not execute", i+1)
		}
	}

	if err := f.coordinator.tick(ctx); err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	if len(f.submitter.calls) != 1 {
		t.Fatalf("submit calls = %d, want 1", len(f.submitter.calls))
	}
	if f.coordinator.WatchCount() != 0 {
		t.Fatal("a landed execution must leave the watch set")
	}
	if len(triggered) != 1 || triggered[0] != 179_000_000 {
		t.Fatalf("triggered = %v, want one event at 179000000", triggered)
	}

	// The account is gone from chain state too; further ticks are no-ops.
	delete(f.chain.data, f.orderKey)
	if err := f.coordinator.tick(ctx); err != nil {
		t.Fatalf("tick 4: %v", err)
	}
	if len(f.submitter.calls) != 1 {
		t.Fatal("a landed execution must never be retried")
	}
}

func TestDelegatedOrderExecutesTwoPhase(t *testing.T) {
	var ready []int64
	source := &scriptedSource{prices: []int64{179_000_000}}
	f := newFixture(t, true, 0, source, Callbacks{
		OnOrderReadyForExecution: func(_ solana.PublicKey, price int64) {
			ready = append(ready, price)
		},
	})
	ctx := context.Background()

	if err := f.coordinator.tick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if len(f.submitter.calls) != 0 {
		t.Fatal("first pass only marks the order ready")
	}
	if len(ready) != 1 || ready[0] != 179_000_000 {
		t.Fatalf("ready events = %v, want one at 179000000", ready)
	}

	if err := f.coordinator.tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if len(f.submitter.calls) != 1 {
		t.Fatalf("submit calls = %d, want execution on the second pass", len(f.submitter.calls))
	}
	if f.coordinator.WatchCount() != 0 {
		t.Fatal("a landed execution must leave the watch set")
	}
}

func TestDelegatedStaleReadyMarkIsDiscarded(t *testing.T) {
	source := &scriptedSource{prices: []int64{179_000_000}}
	f := newFixture(t, true, 0, source, Callbacks{})
	ctx := context.Background()

	if err := f.coordinator.tick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}

	// The ready price ages past the staleness bound before the second pass.
	f.coordinator.now = func() time.Time { return time.Now().Add(31 * time.Second) }

	if err := f.coordinator.tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if len(f.submitter.calls) != 0 {
		t.Fatal("a stale ready price must not execute")
	}
	if f.coordinator.WatchCount() != 1 {
		t.Fatal("the order must return to watch")
	}
	if order := f.coordinator.lookup(f.orderKey); order == nil || order.ready != nil {
		t.Fatal("the ready mark must be discarded")
	}
}

func TestUndecryptableOrderIsRetained(t *testing.T) {
	ours, err := ordercodec.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	theirs, err := ordercodec.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	source := &scriptedSource{prices: []int64{179_000_000}}
	f := newFixtureWithKey(t, theirs, ours, false, 0, source, Callbacks{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.coordinator.tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
	}
	if len(f.submitter.calls) != 0 {
		t.Fatal("an undecryptable order must never execute")
	}
	if f.coordinator.WatchCount() != 1 {
		t.Fatal("an undecryptable order stays watched for a later key rotation")
	}
}

func TestCommitmentMismatchDropsOrder(t *testing.T) {
	errCh := make(chan error, 1)
	source := &scriptedSource{prices: []int64{179_000_000}}
	f := newFixture(t, false, 0, source, Callbacks{
		OnOrderError: func(_ solana.PublicKey, err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	})

	// Tamper with the on-chain commitment so the decrypt no longer matches.
	raw := f.chain.data[f.orderKey]
	parsed, err := ghostbridge.ParseEncryptedOrder(raw)
	if err != nil {
		t.Fatalf("ParseEncryptedOrder: %v", err)
	}
	parsed.OrderHash[0] ^= 0xff
	f.chain.data[f.orderKey] = ghostbridge.MarshalEncryptedOrder(parsed)

	if err := f.coordinator.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.coordinator.WatchCount() != 0 {
		t.Fatal("a commitment mismatch must drop the order")
	}
	if len(f.submitter.calls) != 0 {
		t.Fatal("a mismatched order must never execute")
	}
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("the error callback must fire for a commitment mismatch")
	}
}

func TestExpiredOrderNeverMatches(t *testing.T) {
	source := &scriptedSource{prices: []int64{179_000_000}}
	f := newFixture(t, false, time.Now().Add(-time.Hour).Unix(), source, Callbacks{})

	if err := f.coordinator.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(f.submitter.calls) != 0 {
		t.Fatal("an expired order must not execute even when the price matches")
	}
	if f.coordinator.WatchCount() != 1 {
		t.Fatal("an expired order stays watched until its owner cancels it")
	}
}

func TestClosedAccountLeavesWatchSet(t *testing.T) {
	source := &scriptedSource{prices: []int64{185_000_000}}
	f := newFixture(t, false, 0, source, Callbacks{})

	delete(f.chain.data, f.orderKey)
	if err := f.coordinator.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.coordinator.WatchCount() != 0 {
		t.Fatal("a closed account must leave the watch set")
	}
}

func TestExecutedStatusLeavesWatchSet(t *testing.T) {
	source := &scriptedSource{prices: []int64{185_000_000}}
	f := newFixture(t, false, 0, source, Callbacks{})

	raw := f.chain.data[f.orderKey]
	parsed, err := ghostbridge.ParseEncryptedOrder(raw)
	if err != nil {
		t.Fatalf("ParseEncryptedOrder: %v", err)
	}
	parsed.Status = ghostbridge.OrderStatusExecuted
	f.chain.data[f.orderKey] = ghostbridge.MarshalEncryptedOrder(parsed)

	if err := f.coordinator.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.coordinator.WatchCount() != 0 {
		t.Fatal("an executed order must leave the watch set")
	}
}

func TestFailedSubmissionRetriesNextTick(t *testing.T) {
	source := &scriptedSource{prices: []int64{179_000_000}}
	f := newFixture(t, false, 0, source, Callbacks{})
	f.submitter.landed = false
	ctx := context.Background()

	if err := f.coordinator.tick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if len(f.submitter.calls) != 1 {
		t.Fatalf("submit calls = %d, want 1", len(f.submitter.calls))
	}
	if f.coordinator.WatchCount() != 1 {
		t.Fatal("a failed submission must keep the order watched")
	}

	f.submitter.landed = true
	if err := f.coordinator.tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if len(f.submitter.calls) != 2 {
		t.Fatal("the next tick must rebuild and retry the execution")
	}
	if f.coordinator.WatchCount() != 0 {
		t.Fatal("the landed retry must leave the watch set")
	}
}

func TestDelegatedFailedSubmissionKeepsReadyMark(t *testing.T) {
	var ready []int64
	source := &scriptedSource{prices: []int64{179_000_000}}
	f := newFixture(t, true, 0, source, Callbacks{
		OnOrderReadyForExecution: func(_ solana.PublicKey, price int64) {
			ready = append(ready, price)
		},
	})
	f.submitter.landed = false
	ctx := context.Background()

	if err := f.coordinator.tick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if err := f.coordinator.tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if len(f.submitter.calls) != 1 {
		t.Fatalf("submit calls = %d, want 1", len(f.submitter.calls))
	}
	if order := f.coordinator.lookup(f.orderKey); order == nil || order.ready == nil {
		t.Fatal("a failed submission must keep the ready mark")
	}

	f.submitter.landed = true
	if err := f.coordinator.tick(ctx); err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	if len(f.submitter.calls) != 2 {
		t.Fatal("the retained mark must drive the retry on the next tick")
	}
	if len(ready) != 1 {
		t.Fatalf("ready events = %d, want 1; a retry must not re-run the match phase", len(ready))
	}
	if f.coordinator.WatchCount() != 0 {
		t.Fatal("the landed retry must leave the watch set")
	}
}

func TestDerivePriceFeedPDADeterminism(t *testing.T) {
	a, err := DerivePriceFeedPDA(testFeed)
	if err != nil {
		t.Fatalf("DerivePriceFeedPDA: %v", err)
	}
	b, err := DerivePriceFeedPDA(testFeed)
	if err != nil {
		t.Fatalf("DerivePriceFeedPDA: %v", err)
	}
	if !a.Equals(b) {
		t.Fatal("same feed must derive the same address")
	}

	var other [32]byte
	other[0] = 0x01
	c, err := DerivePriceFeedPDA(other)
	if err != nil {
		t.Fatalf("DerivePriceFeedPDA: %v", err)
	}
	if a.Equals(c) {
		t.Fatal("different feeds must derive different addresses")
	}
}

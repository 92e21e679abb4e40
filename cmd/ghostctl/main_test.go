package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/ghostfi/ghost/backend/internal/ordercodec"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

func TestParseTradeParams(t *testing.T) {
	tl := &tool{signer: solana.NewWallet().PrivateKey}

	params, err := tl.parseTradeParams("shielded-open", []string{
		"-mint", usdcMint,
		"-sub-account", "2",
		"-perp-market", "1",
		"-collateral", "250000000",
		"-base", "1000000000",
		"-side", "short",
	})
	if err != nil {
		t.Fatalf("parseTradeParams: %v", err)
	}
	if !params.Owner.Equals(tl.signer.PublicKey()) {
		t.Fatal("owner must be the signing keypair")
	}
	if params.TokenMint.String() != usdcMint {
		t.Fatalf("mint = %s, want %s", params.TokenMint, usdcMint)
	}
	if params.SubAccountID != 2 || params.SpotMarketIndex != 0 || params.PerpMarketIndex != 1 {
		t.Fatalf("market routing = %d/%d/%d, want 2/0/1", params.SubAccountID, params.SpotMarketIndex, params.PerpMarketIndex)
	}
	if params.CollateralAmount != 250_000_000 || params.BaseAssetAmount != 1_000_000_000 {
		t.Fatalf("amounts = %d/%d", params.CollateralAmount, params.BaseAssetAmount)
	}
	if params.Side != ordercodec.SideShort {
		t.Fatalf("side = %v, want short", params.Side)
	}
}

func TestParseTradeParamsRejections(t *testing.T) {
	tl := &tool{signer: solana.NewWallet().PrivateKey}
	cases := []struct {
		name string
		args []string
	}{
		{"missing mint", []string{"-collateral", "1", "-base", "1", "-side", "long"}},
		{"bad mint", []string{"-mint", "not-base58!", "-collateral", "1", "-base", "1", "-side", "long"}},
		{"zero collateral", []string{"-mint", usdcMint, "-base", "1", "-side", "long"}},
		{"zero base", []string{"-mint", usdcMint, "-collateral", "1", "-side", "long"}},
		{"bad side", []string{"-mint", usdcMint, "-collateral", "1", "-base", "1", "-side", "sideways"}},
	}
	for _, tc := range cases {
		if _, err := tl.parseTradeParams("shielded-close", tc.args); err == nil {
			t.Errorf("%s: want an error", tc.name)
		}
	}
}

func TestSettlementStoreFallsBackToMemory(t *testing.T) {
	t.Setenv("SETTLEMENT_DB_DSN", "")
	tl := &tool{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	store, err := tl.settlementStore()
	if err != nil {
		t.Fatalf("settlementStore: %v", err)
	}
	defer store.Close()

	pending, err := store.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("fresh store must be empty, got %d rows", len(pending))
	}
}

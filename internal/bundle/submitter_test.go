package bundle

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
)

var memoProgram = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

type fakeChain struct {
	blockhashErr error
	simErrs      []error
	simulated    []*solana.Transaction
}

func (c *fakeChain) LatestBlockhash(context.Context) (solana.Hash, error) {
	if c.blockhashErr != nil {
		return solana.Hash{}, c.blockhashErr
	}
	var h solana.Hash
	h[0] = 0x01
	return h, nil
}

func (c *fakeChain) Simulate(_ context.Context, tx *solana.Transaction) error {
	call := len(c.simulated)
	c.simulated = append(c.simulated, tx)
	if call < len(c.simErrs) {
		return c.simErrs[call]
	}
	return nil
}

type fakeRelay struct {
	sendErr  error
	sends    [][]*solana.Transaction
	statuses []BundleStatus
}

func (r *fakeRelay) SendBundle(_ context.Context, txs []*solana.Transaction) (string, error) {
	r.sends = append(r.sends, txs)
	if r.sendErr != nil {
		return "", r.sendErr
	}
	return "bundle-1", nil
}

func (r *fakeRelay) GetBundleStatuses(context.Context, []string) ([]BundleStatus, error) {
	return r.statuses, nil
}

func newTestSubmitter(chain *fakeChain, relay *fakeRelay, cfg Config) *Submitter {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wallet := solana.NewWallet()
	return NewSubmitter(chain, relay, wallet.PrivateKey, cfg, logger)
}

func dummyInstruction() solana.Instruction {
	return solana.NewInstruction(memoProgram, solana.AccountMetaSlice{}, []byte("noop"))
}

// tipFromTx extracts the lamport amount from the trailing system transfer:
// u32 instruction index then u64 lamports, little endian.
func tipFromTx(t *testing.T, tx *solana.Transaction) uint64 {
	t.Helper()
	instructions := tx.Message.Instructions
	last := instructions[len(instructions)-1]
	program, err := tx.Message.Program(last.ProgramIDIndex)
	if err != nil {
		t.Fatalf("resolve program: %v", err)
	}
	if !program.Equals(solana.SystemProgramID) {
		t.Fatalf("last instruction program = %s, want system", program)
	}
	if len(last.Data) != 12 {
		t.Fatalf("transfer data length = %d, want 12", len(last.Data))
	}
	return binary.LittleEndian.Uint64(last.Data[4:])
}

func TestSubmitWithRetryEscalatesTip(t *testing.T) {
	chain := &fakeChain{}
	relay := &fakeRelay{} // empty statuses, so every poll times out
	s := newTestSubmitter(chain, relay, Config{
		TipLamports:         10_000,
		TipEscalationFactor: 1.5,
		MaxTipLamports:      500_000,
		MaxAttempts:         3,
		PollInterval:        time.Millisecond,
		PollAttempts:        1,
	})

	result := s.SubmitWithRetry(context.Background(), []solana.Instruction{dummyInstruction()})
	if result.Landed {
		t.Fatal("bundle must not land when the relay never confirms")
	}
	if !Retryable(result.Err) {
		t.Fatalf("confirmation timeout must stay retryable, got %v", result.Err)
	}

	if len(chain.simulated) != 3 {
		t.Fatalf("attempts = %d, want 3", len(chain.simulated))
	}
	wantTips := []uint64{10_000, 15_000, 22_500}
	for i, tx := range chain.simulated {
		if got := tipFromTx(t, tx); got != wantTips[i] {
			t.Errorf("attempt %d tip = %d, want %d", i+1, got, wantTips[i])
		}
	}
	if result.Tip != 22_500 {
		t.Fatalf("final tip = %d, want 22500", result.Tip)
	}
}

func TestSimulationFailureIsTerminal(t *testing.T) {
	chain := &fakeChain{simErrs: []error{&SimulationError{Reason: "custom program error 0x1"}}}
	relay := &fakeRelay{}
	s := newTestSubmitter(chain, relay, Config{TipLamports: 10_000, MaxAttempts: 5, PollInterval: time.Millisecond, PollAttempts: 1})

	result := s.SubmitWithRetry(context.Background(), []solana.Instruction{dummyInstruction()})
	if result.Landed {
		t.Fatal("simulation failure must not land")
	}
	if result.Phase != PhaseSimulate {
		t.Fatalf("phase = %s, want simulate", result.Phase)
	}
	if len(chain.simulated) != 1 {
		t.Fatalf("simulation failure must end the loop, got %d attempts", len(chain.simulated))
	}
	if len(relay.sends) != 0 {
		t.Fatal("nothing may reach the relay after a failed simulation")
	}
	if Retryable(result.Err) {
		t.Fatal("simulation errors are not retryable")
	}
}

func TestSubmitWithRetryLandsOnConfirmation(t *testing.T) {
	chain := &fakeChain{}
	relay := &fakeRelay{statuses: []BundleStatus{{BundleID: "bundle-1", ConfirmationStatus: "confirmed"}}}
	s := newTestSubmitter(chain, relay, Config{TipLamports: 10_000, PollInterval: time.Millisecond, PollAttempts: 3})

	result := s.SubmitWithRetry(context.Background(), []solana.Instruction{dummyInstruction()})
	if !result.Landed {
		t.Fatalf("bundle must land, got %+v", result)
	}
	if result.BundleID != "bundle-1" {
		t.Fatalf("bundle id = %s", result.BundleID)
	}
	if result.Signature == (solana.Signature{}) {
		t.Fatal("landed result must carry the signed transaction's signature")
	}
	if len(chain.simulated) != 1 {
		t.Fatalf("attempts = %d, want 1", len(chain.simulated))
	}
}

func TestEscalateTipCapsAtMax(t *testing.T) {
	s := newTestSubmitter(&fakeChain{}, &fakeRelay{}, Config{
		TipEscalationFactor: 1.5,
		MaxTipLamports:      500_000,
	})

	if got := s.escalateTip(10_000); got != 15_000 {
		t.Fatalf("escalated tip = %d, want 15000", got)
	}
	if got := s.escalateTip(400_000); got != 500_000 {
		t.Fatalf("escalated tip = %d, want the 500000 cap", got)
	}
	if got := s.escalateTip(500_000); got != 500_000 {
		t.Fatalf("tip at cap must stay at cap, got %d", got)
	}
}

func TestPollLandingClassifiesFailure(t *testing.T) {
	relay := &fakeRelay{statuses: []BundleStatus{{
		BundleID: "bundle-1",
		Err:      json.RawMessage(`{"Err":{"InstructionError":[0,"Custom"]}}`),
	}}}
	s := newTestSubmitter(&fakeChain{}, relay, Config{PollInterval: time.Millisecond, PollAttempts: 3})

	err := s.PollLanding(context.Background(), "bundle-1")
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("on-chain failure must surface as SubmissionError, got %v", err)
	}
}

func TestBundleStatusFailed(t *testing.T) {
	ok := BundleStatus{Err: json.RawMessage(`{"Ok":null}`)}
	if ok.Failed() {
		t.Fatal(`{"Ok":null} means success`)
	}
	empty := BundleStatus{}
	if empty.Failed() {
		t.Fatal("absent err means success")
	}
	failed := BundleStatus{Err: json.RawMessage(`{"Err":{"InstructionError":[2,{"Custom":6001}]}}`)}
	if !failed.Failed() {
		t.Fatal("an Err-variant result must report failure")
	}
	stray := BundleStatus{Err: json.RawMessage(`{"Ok":{"InstructionError":[2,{"Custom":6001}]}}`)}
	if !stray.Failed() {
		t.Fatal("a non-null Ok payload must report failure")
	}
	garbage := BundleStatus{Err: json.RawMessage(`"unexpected"`)}
	if !garbage.Failed() {
		t.Fatal("undecodable err must fail closed")
	}
}

func TestSubmitMultiSimulatesAllBeforeSending(t *testing.T) {
	chain := &fakeChain{simErrs: []error{nil, &SimulationError{Reason: "second tx fails"}}}
	relay := &fakeRelay{}
	s := newTestSubmitter(chain, relay, Config{TipLamports: 10_000, PollInterval: time.Millisecond, PollAttempts: 1})

	result := s.SubmitMulti(context.Background(), [][]solana.Instruction{
		{dummyInstruction()},
		{dummyInstruction()},
		{dummyInstruction()},
	})
	if result.Landed {
		t.Fatal("bundle must not land when any transaction fails simulation")
	}
	if result.Phase != PhaseSimulate {
		t.Fatalf("phase = %s, want simulate", result.Phase)
	}
	if len(relay.sends) != 0 {
		t.Fatal("nothing may be sent when a member transaction fails simulation")
	}
}

func TestSubmitMultiTipRidesLastTransaction(t *testing.T) {
	chain := &fakeChain{}
	relay := &fakeRelay{statuses: []BundleStatus{{BundleID: "bundle-1", ConfirmationStatus: "finalized"}}}
	s := newTestSubmitter(chain, relay, Config{TipLamports: 7_000, PollInterval: time.Millisecond, PollAttempts: 2})

	result := s.SubmitMulti(context.Background(), [][]solana.Instruction{
		{dummyInstruction()},
		{dummyInstruction()},
	})
	if !result.Landed {
		t.Fatalf("bundle must land, got %+v", result)
	}
	if len(relay.sends) != 1 || len(relay.sends[0]) != 2 {
		t.Fatalf("relay must receive one bundle of two transactions")
	}

	first := relay.sends[0][0]
	for _, ci := range first.Message.Instructions {
		program, err := first.Message.Program(ci.ProgramIDIndex)
		if err != nil {
			t.Fatalf("resolve program: %v", err)
		}
		if program.Equals(solana.SystemProgramID) {
			t.Fatal("only the final transaction carries the tip transfer")
		}
	}
	if got := tipFromTx(t, relay.sends[0][1]); got != 7_000 {
		t.Fatalf("tip = %d, want 7000", got)
	}
}

func TestSubmitMultiRejectsOversizedBundle(t *testing.T) {
	s := newTestSubmitter(&fakeChain{}, &fakeRelay{}, Config{})

	groups := make([][]solana.Instruction, MaxBundleTxs+1)
	for i := range groups {
		groups[i] = []solana.Instruction{dummyInstruction()}
	}
	result := s.SubmitMulti(context.Background(), groups)
	if result.Err == nil || result.Phase != PhaseBuild {
		t.Fatalf("oversized bundle must fail at build, got %+v", result)
	}
}

func TestBuildAtomicBundleOrdering(t *testing.T) {
	s := newTestSubmitter(&fakeChain{}, &fakeRelay{}, Config{
		ComputeUnitLimit:              400_000,
		ComputeUnitPriceMicroLamports: 25,
		TipLamports:                   10_000,
	})

	var blockhash solana.Hash
	blockhash[0] = 0x02
	tx, err := s.BuildAtomicBundle([]solana.Instruction{dummyInstruction()}, 10_000, blockhash)
	if err != nil {
		t.Fatalf("BuildAtomicBundle: %v", err)
	}

	instructions := tx.Message.Instructions
	if len(instructions) != 4 {
		t.Fatalf("instruction count = %d, want 4", len(instructions))
	}
	computeBudget := solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")
	for i := 0; i < 2; i++ {
		program, err := tx.Message.Program(instructions[i].ProgramIDIndex)
		if err != nil {
			t.Fatalf("resolve program: %v", err)
		}
		if !program.Equals(computeBudget) {
			t.Fatalf("instruction %d program = %s, want compute budget", i, program)
		}
	}
	if got := tipFromTx(t, tx); got != 10_000 {
		t.Fatalf("tip = %d, want 10000", got)
	}

	if _, err := s.BuildAtomicBundle(nil, 0, blockhash); err == nil {
		t.Fatal("empty instruction set must be rejected")
	}
}

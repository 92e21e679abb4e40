package ghostbridge

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"testing"
)

func TestInstructionDiscriminators(t *testing.T) {
	// Pinned against sha256("global:<name>")[0:8].
	cases := []struct {
		name string
		got  [8]byte
		want string
	}{
		{"init_executor", initExecutorDisc, "c34474ad37ad9f1f"},
		{"create_encrypted_order", createEncryptedOrderDisc, "815960837188dbcd"},
		{"trigger_and_execute", triggerAndExecuteDisc, "90960014558e70ad"},
	}
	for _, tc := range cases {
		if got := hex.EncodeToString(tc.got[:]); got != tc.want {
			t.Errorf("%s discriminator = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestCreateEncryptedOrderData(t *testing.T) {
	var orderHash [32]byte
	orderHash[0] = 0x42
	var feedID [32]byte
	feedID[0] = 0xe6
	ciphertext := bytes.Repeat([]byte{0xcd}, 187)

	ix, err := NewCreateEncryptedOrderInstruction(testOwner, orderHash, ciphertext, feedID)
	if err != nil {
		t.Fatalf("NewCreateEncryptedOrderInstruction: %v", err)
	}

	data, err := ix.Data()
	if err != nil {
		t.Fatalf("ix.Data: %v", err)
	}
	wantLen := 8 + 32 + MaxEncryptedDataLen + 2 + 32
	if len(data) != wantLen {
		t.Fatalf("data length = %d, want %d", len(data), wantLen)
	}
	if !bytes.Equal(data[:8], createEncryptedOrderDisc[:]) {
		t.Fatal("data must start with the instruction discriminator")
	}
	if !bytes.Equal(data[8:40], orderHash[:]) {
		t.Fatal("order hash mismatch")
	}
	if !bytes.Equal(data[40:40+187], ciphertext) {
		t.Fatal("ciphertext mismatch")
	}
	for _, b := range data[40+187 : 40+MaxEncryptedDataLen] {
		if b != 0 {
			t.Fatal("ciphertext region must be zero padded")
		}
	}
	if got := binary.LittleEndian.Uint16(data[40+MaxEncryptedDataLen:]); got != 187 {
		t.Fatalf("data_len = %d, want 187", got)
	}
	if !bytes.Equal(data[40+MaxEncryptedDataLen+2:], feedID[:]) {
		t.Fatal("feed id mismatch")
	}

	accounts := ix.Accounts()
	if len(accounts) != 4 {
		t.Fatalf("account count = %d, want 4", len(accounts))
	}
	if !accounts[0].PublicKey.Equals(testOwner) || !accounts[0].IsSigner {
		t.Fatal("owner must be the first, signing account")
	}
	if !accounts[2].PublicKey.Equals(MustDeriveEncryptedOrderPDA(testOwner, orderHash)) {
		t.Fatal("third account must be the order PDA")
	}
}

func TestCreateEncryptedOrderRejectsBadCiphertext(t *testing.T) {
	var hash, feed [32]byte

	if _, err := NewCreateEncryptedOrderInstruction(testOwner, hash, nil, feed); err == nil {
		t.Fatal("empty ciphertext must be rejected")
	}
	tooLong := make([]byte, MaxEncryptedDataLen+1)
	if _, err := NewCreateEncryptedOrderInstruction(testOwner, hash, tooLong, feed); err == nil {
		t.Fatal("oversized ciphertext must be rejected")
	}
}

func TestTriggerAndExecuteData(t *testing.T) {
	var orderHash [32]byte
	orderHash[5] = 0x07

	args := TriggerAndExecuteArgs{
		OrderID:          42,
		MarketIndex:      1,
		TriggerPrice:     179_000_000,
		TriggerCondition: 1,
		OrderSide:        0,
		BaseAssetAmount:  1_000_000_000,
		ReduceOnly:       false,
		Expiry:           0,
		RedelegateAfter:  true,
	}
	args.Salt[0] = 0x99

	ix, err := NewTriggerAndExecuteInstruction(testExecutor, testOwner, orderHash, args, TriggerAndExecuteAccounts{})
	if err != nil {
		t.Fatalf("NewTriggerAndExecuteInstruction: %v", err)
	}

	data, err := ix.Data()
	if err != nil {
		t.Fatalf("ix.Data: %v", err)
	}
	if !bytes.Equal(data[:8], triggerAndExecuteDisc[:]) {
		t.Fatal("data must start with the instruction discriminator")
	}
	// Borsh body: salt 16 + order_id 8 + market_index 2 + trigger_price 8 +
	// condition 1 + side 1 + base 8 + reduce_only 1 + expiry 8 + redelegate 1.
	if wantLen := 8 + 16 + 8 + 2 + 8 + 1 + 1 + 8 + 1 + 8 + 1; len(data) != wantLen {
		t.Fatalf("data length = %d, want %d", len(data), wantLen)
	}
	if data[8] != 0x99 {
		t.Fatal("salt must lead the argument body")
	}
	if got := binary.LittleEndian.Uint64(data[24:]); got != args.OrderID {
		t.Fatalf("order_id = %d, want %d", got, args.OrderID)
	}
	if data[len(data)-1] != 1 {
		t.Fatal("redelegate flag must close the argument body")
	}

	accounts := ix.Accounts()
	if len(accounts) != 12 {
		t.Fatalf("account count = %d, want 12", len(accounts))
	}
	if !accounts[0].PublicKey.Equals(testExecutor) || !accounts[0].IsSigner {
		t.Fatal("payer must be the first, signing account")
	}
	if !accounts[1].PublicKey.Equals(MustDeriveEncryptedOrderPDA(testOwner, orderHash)) {
		t.Fatal("second account must be the order PDA")
	}
	if !accounts[10].PublicKey.Equals(MagicContextID) || !accounts[11].PublicKey.Equals(MagicProgramID) {
		t.Fatal("magic context and program must close the account list")
	}
}

func TestAuthorizeExecutorData(t *testing.T) {
	ix := NewAuthorizeExecutorInstruction(testOwner, testExecutor, true)
	data, err := ix.Data()
	if err != nil {
		t.Fatalf("ix.Data: %v", err)
	}
	if len(data) != 8+32+1 {
		t.Fatalf("data length = %d, want %d", len(data), 8+32+1)
	}
	if !bytes.Equal(data[8:40], testExecutor.Bytes()) {
		t.Fatal("executor key mismatch")
	}
	if data[40] != 1 {
		t.Fatal("authorize flag must be set")
	}

	revoke := NewAuthorizeExecutorInstruction(testOwner, testExecutor, false)
	data, err = revoke.Data()
	if err != nil {
		t.Fatalf("ix.Data: %v", err)
	}
	if data[40] != 0 {
		t.Fatal("revoke flag must be clear")
	}
}

func TestDelegateInstructionAccountTail(t *testing.T) {
	ix, err := NewDelegateExecutorInstruction(testOwner)
	if err != nil {
		t.Fatalf("NewDelegateExecutorInstruction: %v", err)
	}

	accounts := ix.Accounts()
	if len(accounts) != 3+6 {
		t.Fatalf("account count = %d, want 9", len(accounts))
	}
	tail := accounts[len(accounts)-3:]
	if !tail[0].PublicKey.Equals(ProgramID) {
		t.Fatal("owning program must precede the delegation program")
	}
	if !tail[1].PublicKey.Equals(DelegationProgramID) {
		t.Fatal("delegation program missing from the account tail")
	}
}

package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/NeelContractor/prediction-market/internal/ingestion"
	"github.com/NeelContractor/prediction-market/internal/instruction"
	"github.com/NeelContractor/prediction-market/internal/market"
)

func rawFromJSON(t *testing.T, instrType string, v interface{}) ingestion.RawInstruction {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawInstruction{
		Subject:   "test",
		InstrType: instrType,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseCreateMarket(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":            "550e8400-e29b-41d4-a716-446655440000",
		"seed":             "btc-above-100k",
		"admin":            "660e8400-e29b-41d4-a716-446655440001",
		"question":         "Will BTC close above $100k this year?",
		"collateral_mint":  "usdc-mint",
		"fee_bps":          uint64(30),
		"end_timestamp_us": int64(1767225600000000),
		"sequence":         int64(0),
		"timestamp_us":     int64(1700000000000000),
	}

	raw := rawFromJSON(t, "CreateMarket", payload)
	in, err := ingestion.ParseRawInstruction(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	cm, ok := in.(*instruction.CreateMarket)
	if !ok {
		t.Fatalf("expected *instruction.CreateMarket, got %T", in)
	}

	if cm.Config.Seed != "btc-above-100k" {
		t.Errorf("seed: got %s, want btc-above-100k", cm.Config.Seed)
	}
	if cm.Config.FeeBps != 30 {
		t.Errorf("fee_bps: got %d, want 30", cm.Config.FeeBps)
	}
	if string(cm.Config.MintCollateral) != "usdc-mint" {
		t.Errorf("collateral_mint: got %s, want usdc-mint", cm.Config.MintCollateral)
	}
	if got := cm.Config.EndTimestamp.UnixMicro(); got != 1767225600000000 {
		t.Errorf("end_timestamp: got %d, want 1767225600000000", got)
	}
	if cm.InstructionType() != instruction.TypeCreateMarket {
		t.Errorf("type: got %v, want CreateMarket", cm.InstructionType())
	}
}

func TestParseCreateMarket_MissingSeed(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":           "550e8400-e29b-41d4-a716-446655440000",
		"admin":           "660e8400-e29b-41d4-a716-446655440001",
		"collateral_mint": "usdc-mint",
	}

	raw := rawFromJSON(t, "CreateMarket", payload)
	if _, err := ingestion.ParseRawInstruction(raw); err == nil {
		t.Fatal("expected error for missing seed")
	}
}

func TestParseSwap(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":         "550e8400-e29b-41d4-a716-446655440000",
		"actor":         "660e8400-e29b-41d4-a716-446655440001",
		"market":        "btc-above-100k",
		"direction":     "buy",
		"side":          "yes",
		"amount":        uint64(1_000_000),
		"min_out":       uint64(900_000),
		"expiration_us": int64(1700000060000000),
		"sequence":      int64(7),
		"timestamp_us":  int64(1700000000000000),
	}

	raw := rawFromJSON(t, "Swap", payload)
	in, err := ingestion.ParseRawInstruction(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	sw, ok := in.(*instruction.Swap)
	if !ok {
		t.Fatalf("expected *instruction.Swap, got %T", in)
	}

	if sw.Market != "btc-above-100k" {
		t.Errorf("market: got %s, want btc-above-100k", sw.Market)
	}
	if sw.Direction != market.DirectionBuy {
		t.Errorf("direction: got %v, want buy", sw.Direction)
	}
	if sw.Side != market.SideYes {
		t.Errorf("side: got %v, want yes", sw.Side)
	}
	if sw.Amount != 1_000_000 {
		t.Errorf("amount: got %d, want 1_000_000", sw.Amount)
	}
	if sw.MinOut != 900_000 {
		t.Errorf("min_out: got %d, want 900_000", sw.MinOut)
	}
	if sw.SourceSequence() != 7 {
		t.Errorf("sequence: got %d, want 7", sw.SourceSequence())
	}
}

func TestParseSwap_UnknownDirection(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "550e8400-e29b-41d4-a716-446655440000",
		"actor":     "660e8400-e29b-41d4-a716-446655440001",
		"market":    "btc-above-100k",
		"direction": "sideways",
		"side":      "yes",
		"amount":    uint64(1),
	}

	raw := rawFromJSON(t, "Swap", payload)
	if _, err := ingestion.ParseRawInstruction(raw); err == nil {
		t.Fatal("expected error for unknown direction")
	}
}

func TestParseAddLiquidity(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":         "550e8400-e29b-41d4-a716-446655440000",
		"actor":         "660e8400-e29b-41d4-a716-446655440001",
		"market":        "btc-above-100k",
		"yes_amount":    uint64(500_000),
		"no_amount":     uint64(500_000),
		"expiration_us": int64(1700000060000000),
		"sequence":      int64(1),
		"timestamp_us":  int64(1700000000000000),
	}

	raw := rawFromJSON(t, "AddLiquidity", payload)
	in, err := ingestion.ParseRawInstruction(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	al, ok := in.(*instruction.AddLiquidity)
	if !ok {
		t.Fatalf("expected *instruction.AddLiquidity, got %T", in)
	}

	if al.YesAmount != 500_000 || al.NoAmount != 500_000 {
		t.Errorf("amounts: got (%d, %d), want (500_000, 500_000)", al.YesAmount, al.NoAmount)
	}
	if al.Seed() != "btc-above-100k" {
		t.Errorf("seed: got %s, want btc-above-100k", al.Seed())
	}
}

func TestParseSettle(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":        "550e8400-e29b-41d4-a716-446655440000",
		"actor":        "660e8400-e29b-41d4-a716-446655440001",
		"market":       "btc-above-100k",
		"resolution":   true,
		"sequence":     int64(9),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, "Settle", payload)
	in, err := ingestion.ParseRawInstruction(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	st, ok := in.(*instruction.Settle)
	if !ok {
		t.Fatalf("expected *instruction.Settle, got %T", in)
	}

	if !st.Resolution {
		t.Error("resolution: got false, want true")
	}
	if st.InstructionType() != instruction.TypeSettle {
		t.Errorf("type: got %v, want Settle", st.InstructionType())
	}
}

func TestParseEmergencySettle(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":        "550e8400-e29b-41d4-a716-446655440000",
		"actor":        "660e8400-e29b-41d4-a716-446655440001",
		"market":       "btc-above-100k",
		"resolution":   false,
		"sequence":     int64(10),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, "EmergencySettle", payload)
	in, err := ingestion.ParseRawInstruction(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	es, ok := in.(*instruction.EmergencySettle)
	if !ok {
		t.Fatalf("expected *instruction.EmergencySettle, got %T", in)
	}
	if es.Resolution {
		t.Error("resolution: got true, want false")
	}
}

func TestParseLockUnlock(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":        "550e8400-e29b-41d4-a716-446655440000",
		"actor":        "660e8400-e29b-41d4-a716-446655440001",
		"market":       "btc-above-100k",
		"sequence":     int64(3),
		"timestamp_us": int64(1700000000000000),
	}

	in, err := ingestion.ParseRawInstruction(rawFromJSON(t, "Lock", payload))
	if err != nil {
		t.Fatalf("parse Lock failed: %v", err)
	}
	if _, ok := in.(*instruction.Lock); !ok {
		t.Fatalf("expected *instruction.Lock, got %T", in)
	}

	in, err = ingestion.ParseRawInstruction(rawFromJSON(t, "Unlock", payload))
	if err != nil {
		t.Fatalf("parse Unlock failed: %v", err)
	}
	if _, ok := in.(*instruction.Unlock); !ok {
		t.Fatalf("expected *instruction.Unlock, got %T", in)
	}
}

func TestParseClaim(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":        "550e8400-e29b-41d4-a716-446655440000",
		"actor":        "660e8400-e29b-41d4-a716-446655440001",
		"market":       "btc-above-100k",
		"claim_yes":    true,
		"sequence":     int64(12),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, "Claim", payload)
	in, err := ingestion.ParseRawInstruction(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	cl, ok := in.(*instruction.Claim)
	if !ok {
		t.Fatalf("expected *instruction.Claim, got %T", in)
	}
	if !cl.ClaimYes {
		t.Error("claim_yes: got false, want true")
	}
}

func TestParseUnknownType_Fails(t *testing.T) {
	raw := ingestion.RawInstruction{InstrType: "NonExistentType", Data: []byte(`{}`)}
	if _, err := ingestion.ParseRawInstruction(raw); err == nil {
		t.Fatal("expected error for unknown instruction type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawInstruction{InstrType: "Swap", Data: []byte(`{invalid json`)}
	if _, err := ingestion.ParseRawInstruction(raw); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "not-a-uuid",
		"actor":     "also-not-a-uuid",
		"market":    "btc-above-100k",
		"direction": "buy",
		"side":      "no",
		"amount":    uint64(1),
	}

	raw := rawFromJSON(t, "Swap", payload)
	if _, err := ingestion.ParseRawInstruction(raw); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

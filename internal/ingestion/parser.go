package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NeelContractor/prediction-market/internal/instruction"
	"github.com/NeelContractor/prediction-market/internal/market"
	"github.com/NeelContractor/prediction-market/internal/token"
)

// ParseRawInstruction converts a RawInstruction (JSON bytes + type string)
// into a typed instruction. The ingestion pipeline validates and parses
// before anything reaches the deterministic engine.
func ParseRawInstruction(raw RawInstruction) (instruction.Instruction, error) {
	switch raw.InstrType {
	case "CreateMarket":
		return parseCreateMarket(raw.Data)
	case "AddLiquidity":
		return parseAddLiquidity(raw.Data)
	case "Swap":
		return parseSwap(raw.Data)
	case "Lock":
		return parseLock(raw.Data)
	case "Unlock":
		return parseUnlock(raw.Data)
	case "Settle":
		return parseSettle(raw.Data)
	case "EmergencySettle":
		return parseEmergencySettle(raw.Data)
	case "Claim":
		return parseClaim(raw.Data)
	default:
		return nil, fmt.Errorf("unknown instruction type: %s", raw.InstrType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type createMarketJSON struct {
	OpID           string `json:"op_id"`
	Seed           string `json:"seed"`
	Admin          string `json:"admin"`
	Question       string `json:"question"`
	CollateralMint string `json:"collateral_mint"`
	FeeBps         uint64 `json:"fee_bps"`
	EndTimestampUs int64  `json:"end_timestamp_us"`
	Sequence       int64  `json:"sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func parseCreateMarket(data []byte) (*instruction.CreateMarket, error) {
	var j createMarketJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CreateMarket: %w", err)
	}

	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	admin, err := uuid.Parse(j.Admin)
	if err != nil {
		return nil, fmt.Errorf("parse admin: %w", err)
	}
	if j.Seed == "" {
		return nil, fmt.Errorf("seed is required")
	}
	if j.CollateralMint == "" {
		return nil, fmt.Errorf("collateral_mint is required")
	}

	return &instruction.CreateMarket{
		OpID: opID,
		Config: market.Config{
			Seed:           j.Seed,
			Admin:          admin,
			Question:       j.Question,
			MintCollateral: token.Address(j.CollateralMint),
			FeeBps:         j.FeeBps,
			EndTimestamp:   time.UnixMicro(j.EndTimestampUs),
		},
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type addLiquidityJSON struct {
	OpID         string `json:"op_id"`
	Actor        string `json:"actor"`
	Market       string `json:"market"`
	YesAmount    uint64 `json:"yes_amount"`
	NoAmount     uint64 `json:"no_amount"`
	ExpirationUs int64  `json:"expiration_us"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseAddLiquidity(data []byte) (*instruction.AddLiquidity, error) {
	var j addLiquidityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AddLiquidity: %w", err)
	}

	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	actor, err := uuid.Parse(j.Actor)
	if err != nil {
		return nil, fmt.Errorf("parse actor: %w", err)
	}

	return &instruction.AddLiquidity{
		OpID:       opID,
		Actor:      actor,
		Market:     j.Market,
		YesAmount:  j.YesAmount,
		NoAmount:   j.NoAmount,
		Expiration: time.UnixMicro(j.ExpirationUs),
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type swapJSON struct {
	OpID         string `json:"op_id"`
	Actor        string `json:"actor"`
	Market       string `json:"market"`
	Direction    string `json:"direction"` // "buy" or "sell"
	Side         string `json:"side"`      // "yes" or "no"
	Amount       uint64 `json:"amount"`
	MinOut       uint64 `json:"min_out"`
	ExpirationUs int64  `json:"expiration_us"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseSwap(data []byte) (*instruction.Swap, error) {
	var j swapJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Swap: %w", err)
	}

	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	actor, err := uuid.Parse(j.Actor)
	if err != nil {
		return nil, fmt.Errorf("parse actor: %w", err)
	}
	direction, err := parseDirection(j.Direction)
	if err != nil {
		return nil, err
	}
	side, err := parseSide(j.Side)
	if err != nil {
		return nil, err
	}

	return &instruction.Swap{
		OpID:       opID,
		Actor:      actor,
		Market:     j.Market,
		Direction:  direction,
		Side:       side,
		Amount:     j.Amount,
		MinOut:     j.MinOut,
		Expiration: time.UnixMicro(j.ExpirationUs),
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type adminActionJSON struct {
	OpID        string `json:"op_id"`
	Actor       string `json:"actor"`
	Market      string `json:"market"`
	Resolution  bool   `json:"resolution,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseAdminAction(data []byte, what string) (adminActionJSON, uuid.UUID, uuid.UUID, error) {
	var j adminActionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return j, uuid.Nil, uuid.Nil, fmt.Errorf("parse %s: %w", what, err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return j, uuid.Nil, uuid.Nil, fmt.Errorf("parse op_id: %w", err)
	}
	actor, err := uuid.Parse(j.Actor)
	if err != nil {
		return j, uuid.Nil, uuid.Nil, fmt.Errorf("parse actor: %w", err)
	}
	return j, opID, actor, nil
}

func parseLock(data []byte) (*instruction.Lock, error) {
	j, opID, actor, err := parseAdminAction(data, "Lock")
	if err != nil {
		return nil, err
	}
	return &instruction.Lock{
		OpID:      opID,
		Actor:     actor,
		Market:    j.Market,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseUnlock(data []byte) (*instruction.Unlock, error) {
	j, opID, actor, err := parseAdminAction(data, "Unlock")
	if err != nil {
		return nil, err
	}
	return &instruction.Unlock{
		OpID:      opID,
		Actor:     actor,
		Market:    j.Market,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseSettle(data []byte) (*instruction.Settle, error) {
	j, opID, actor, err := parseAdminAction(data, "Settle")
	if err != nil {
		return nil, err
	}
	return &instruction.Settle{
		OpID:       opID,
		Actor:      actor,
		Market:     j.Market,
		Resolution: j.Resolution,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseEmergencySettle(data []byte) (*instruction.EmergencySettle, error) {
	j, opID, actor, err := parseAdminAction(data, "EmergencySettle")
	if err != nil {
		return nil, err
	}
	return &instruction.EmergencySettle{
		OpID:       opID,
		Actor:      actor,
		Market:     j.Market,
		Resolution: j.Resolution,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type claimJSON struct {
	OpID        string `json:"op_id"`
	Actor       string `json:"actor"`
	Market      string `json:"market"`
	ClaimYes    bool   `json:"claim_yes"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseClaim(data []byte) (*instruction.Claim, error) {
	var j claimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Claim: %w", err)
	}

	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	actor, err := uuid.Parse(j.Actor)
	if err != nil {
		return nil, fmt.Errorf("parse actor: %w", err)
	}

	return &instruction.Claim{
		OpID:      opID,
		Actor:     actor,
		Market:    j.Market,
		ClaimYes:  j.ClaimYes,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseDirection(s string) (market.Direction, error) {
	switch s {
	case "buy":
		return market.DirectionBuy, nil
	case "sell":
		return market.DirectionSell, nil
	default:
		return 0, fmt.Errorf("unknown direction: %q", s)
	}
}

func parseSide(s string) (market.Side, error) {
	switch s {
	case "yes":
		return market.SideYes, nil
	case "no":
		return market.SideNo, nil
	default:
		return 0, fmt.Errorf("unknown side: %q", s)
	}
}

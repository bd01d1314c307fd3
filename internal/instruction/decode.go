package instruction

import (
	"encoding/json"
	"fmt"
)

// Decode rebuilds a typed instruction from an operation-log row. The
// payload is the JSON the persistence worker wrote for the given op type.
func Decode(opType string, payload []byte) (Instruction, error) {
	var in Instruction
	switch opType {
	case TypeCreateMarket.String():
		in = &CreateMarket{}
	case TypeEnsureAccount.String():
		in = &EnsureAccount{}
	case TypeAddLiquidity.String():
		in = &AddLiquidity{}
	case TypeSwap.String():
		in = &Swap{}
	case TypeLock.String():
		in = &Lock{}
	case TypeUnlock.String():
		in = &Unlock{}
	case TypeSettle.String():
		in = &Settle{}
	case TypeEmergencySettle.String():
		in = &EmergencySettle{}
	case TypeClaim.String():
		in = &Claim{}
	default:
		return nil, fmt.Errorf("unknown op type %q", opType)
	}

	if err := json.Unmarshal(payload, in); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", opType, err)
	}
	return in, nil
}

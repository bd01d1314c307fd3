package market

// Phase is the lifecycle position of a market.
type Phase int32

const (
	PhaseOpen Phase = iota
	PhaseLocked
	PhaseSettled
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "Open"
	case PhaseLocked:
		return "Locked"
	case PhaseSettled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// Op enumerates the ledger mutations gated by the lifecycle machine.
type Op int32

const (
	OpAddLiquidity Op = iota
	OpSwap
	OpLock
	OpUnlock
	OpSettle
	OpEmergencySettle
	OpClaim
)

func (o Op) String() string {
	switch o {
	case OpAddLiquidity:
		return "add_liquidity"
	case OpSwap:
		return "swap"
	case OpLock:
		return "lock"
	case OpUnlock:
		return "unlock"
	case OpSettle:
		return "settle"
	case OpEmergencySettle:
		return "emergency_settle"
	case OpClaim:
		return "claim"
	default:
		return "unknown"
	}
}

// Allowed is the pure lifecycle function: given a phase, is the operation
// legal? Settlement deliberately requires an explicit lock first so a trade
// cannot race the settling admin; EmergencySettle is the escape hatch for a
// market whose admin never locked (grace-gated elsewhere). Settled is
// terminal: only claims remain legal.
func Allowed(phase Phase, op Op) error {
	switch op {
	case OpAddLiquidity, OpSwap:
		switch phase {
		case PhaseOpen:
			return nil
		case PhaseLocked:
			return ErrPoolLocked
		default:
			return ErrMarketAlreadySettled
		}

	case OpLock, OpUnlock:
		if phase == PhaseSettled {
			return ErrMarketAlreadySettled
		}
		return nil

	case OpSettle:
		switch phase {
		case PhaseLocked:
			return nil
		case PhaseSettled:
			return ErrMarketAlreadySettled
		default:
			return ErrMarketNotLocked
		}

	case OpEmergencySettle:
		if phase == PhaseSettled {
			return ErrMarketAlreadySettled
		}
		return nil

	case OpClaim:
		if phase != PhaseSettled {
			return ErrMarketNotSettled
		}
		return nil
	}

	return ErrMarketNotFound
}

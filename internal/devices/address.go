package devices

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenBenchCore/internal/modbus"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
)

// AddressRegister holds the unit address on every supported pump.
const AddressRegister = 0x0009

// ChangeAddress writes a new unit address to the pump answering at from.
// Most units only adopt the new address after a power cycle.
func ChangeAddress(ctx context.Context, bus modbus.Bus, from, to int) error {
	for _, a := range []int{from, to} {
		if a < 1 || a > 247 {
			return fmt.Errorf("%w: unit address %d outside 1..247", types.ErrInvalidCommand, a)
		}
	}
	if from == to {
		return fmt.Errorf("%w: unit already at address %d", types.ErrInvalidCommand, from)
	}

	if err := bus.Open(); err != nil {
		return err
	}
	defer bus.Close()

	if err := bus.WriteSingleRegister(ctx, uint8(from), AddressRegister, uint16(to)); err != nil {
		return fmt.Errorf("change address %d -> %d on %s: %w", from, to, bus.Port(), err)
	}
	return nil
}

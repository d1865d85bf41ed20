package devices

import (
	"github.com/KevinKickass/OpenBenchCore/internal/modbus"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
)

// simulatedPressure is what a running simulated plunger pump reports, in
// register units (MPa x10).
const simulatedPressure uint16 = 12

// simulate registers unit on a memory bus and installs the write hooks that
// make it react like the real family.
func simulate(bus *modbus.MemoryBus, family types.Family, unit uint8) {
	bus.AddUnit(unit)

	switch family {
	case types.FamilyPeristalticA:
		bus.OnWrite(unit, kamoerSim)
	case types.FamilyPlungerPump:
		bus.OnWrite(unit, plungerSim)
	}
}

// kamoerSim mirrors the speed setpoint into the realtime speed registers
// while the pump runs under bus control.
func kamoerSim(u *modbus.Unit, _ modbus.Write) {
	actual := [2]uint16{}
	if u.Coils[kamoerCoilRun] && u.Coils[kamoerCoilBusControl] {
		actual = [2]uint16{u.Registers[kamoerRegSpeedSetpoint], u.Registers[kamoerRegSpeedSetpoint+1]}
	}
	u.Registers[kamoerRegSpeedActual] = actual[0]
	u.Registers[kamoerRegSpeedActual+1] = actual[1]
}

func plungerSim(u *modbus.Unit, w modbus.Write) {
	switch w.Address {
	case plungerRegStart:
		u.Registers[plungerRegRunning] = 1
	case plungerRegStop:
		u.Registers[plungerRegRunning] = 0
	case plungerRegZeroPressure:
		u.Registers[plungerRegPressure] = 0
		return
	}

	if u.Registers[plungerRegRunning] == 1 {
		u.Registers[plungerRegFlowReadback] = u.Registers[plungerRegFlow]
		if u.Registers[plungerRegPressure] == 0 && w.Address == plungerRegStart {
			u.Registers[plungerRegPressure] = simulatedPressure
		}
	} else {
		u.Registers[plungerRegFlowReadback] = 0
		u.Registers[plungerRegPressure] = 0
	}
}

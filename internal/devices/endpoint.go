package devices

import (
	"fmt"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
)

// Endpoint names the physical unit behind a descriptor: port and unit address
// for Modbus pumps, the port alone for a supply, which needs the whole line.
// Simulated supplies get their own emulator and have no endpoint.
func Endpoint(desc types.DeviceDescriptor) string {
	if desc.Family == types.FamilyPowerSupply {
		if desc.Simulated() {
			return ""
		}
		return desc.Port
	}
	return fmt.Sprintf("%s@%d", desc.Port, desc.Address)
}

// CheckEndpoints rejects descriptors that would drive the same unit twice:
// two pumps at one port and address, or a supply sharing its port with any
// other device.
func CheckEndpoints(descs []types.DeviceDescriptor) error {
	units := make(map[string]string)
	lines := make(map[string]string)
	buses := make(map[string]string)

	for _, desc := range descs {
		if desc.Family == types.FamilyPowerSupply {
			if desc.Simulated() {
				continue
			}
			if other, ok := lines[desc.Port]; ok {
				return endpointConflict(desc, other)
			}
			if other, ok := buses[desc.Port]; ok {
				return endpointConflict(desc, other)
			}
			lines[desc.Port] = desc.ID
			continue
		}

		if other, ok := lines[desc.Port]; ok {
			return endpointConflict(desc, other)
		}
		key := Endpoint(desc)
		if other, ok := units[key]; ok {
			return endpointConflict(desc, other)
		}
		units[key] = desc.ID
		if _, ok := buses[desc.Port]; !ok {
			buses[desc.Port] = desc.ID
		}
	}
	return nil
}

func endpointConflict(desc types.DeviceDescriptor, other string) error {
	if desc.Family == types.FamilyPowerSupply {
		return fmt.Errorf("%w: device %s and %s share port %s",
			types.ErrInvalidCommand, desc.ID, other, desc.Port)
	}
	return fmt.Errorf("%w: device %s and %s share port %s address %d",
		types.ErrInvalidCommand, desc.ID, other, desc.Port, desc.Address)
}

// LeaseKeys lists what a bench must hold to own descs: every device id and
// every physical endpoint.
func LeaseKeys(descs []types.DeviceDescriptor) []string {
	keys := make([]string, 0, 2*len(descs))
	for _, desc := range descs {
		keys = append(keys, desc.ID)
		if ep := Endpoint(desc); ep != "" {
			keys = append(keys, ep)
		}
	}
	return keys
}

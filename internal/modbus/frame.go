package modbus

import (
	"errors"

	"github.com/goburrow/modbus"
)

// Function codes used by the drivers.
const (
	FuncReadCoils              byte = modbus.FuncCodeReadCoils
	FuncReadHoldingRegisters   byte = modbus.FuncCodeReadHoldingRegisters
	FuncWriteSingleCoil        byte = modbus.FuncCodeWriteSingleCoil
	FuncWriteSingleRegister    byte = modbus.FuncCodeWriteSingleRegister
	FuncWriteMultipleRegisters byte = modbus.FuncCodeWriteMultipleRegisters
)

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

func exception(function, code byte) error {
	return &modbus.ModbusError{FunctionCode: function | 0x80, ExceptionCode: code}
}

// ExceptionCode extracts the Modbus exception code from err, if the device
// answered with an exception response.
func ExceptionCode(err error) (byte, bool) {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return mbErr.ExceptionCode, true
	}
	return 0, false
}

func unpackBits(data []byte, quantity uint16) []bool {
	out := make([]bool, quantity)
	for i := range out {
		idx := i / 8
		if idx >= len(data) {
			break
		}
		out[i] = data[idx]&(1<<(uint(i)%8)) != 0
	}
	return out
}

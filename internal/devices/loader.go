package devices

import (
	"bytes"
	"fmt"
	"os"

	"github.com/KevinKickass/OpenBenchCore/internal/modbus"
	"github.com/KevinKickass/OpenBenchCore/internal/scpi"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"gopkg.in/yaml.v3"
)

// BenchFile is the descriptor table of every bench in a deployment.
type BenchFile struct {
	Version int     `yaml:"version" json:"version"`
	Benches []Bench `yaml:"benches" json:"benches"`
}

// Bench is one controller's worth of devices.
type Bench struct {
	Name        string                   `yaml:"name" json:"name"`
	Description string                   `yaml:"description,omitempty" json:"description,omitempty"`
	Devices     []types.DeviceDescriptor `yaml:"devices" json:"devices"`
}

// Bench returns the named bench.
func (f *BenchFile) Bench(name string) (Bench, error) {
	for _, b := range f.Benches {
		if b.Name == name {
			return b, nil
		}
	}
	return Bench{}, fmt.Errorf("bench %q not found", name)
}

// BenchLoader reads and validates bench files.
type BenchLoader struct {
	validator *Validator
}

func NewBenchLoader() (*BenchLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	return &BenchLoader{validator: validator}, nil
}

func (l *BenchLoader) Load(path string) (*BenchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bench file: %w", err)
	}
	file, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// Parse validates a YAML bench document, normalizes family aliases and fills
// in the family default address and baud rate.
func (l *BenchLoader) Parse(data []byte) (*BenchFile, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := l.validator.ValidateDocument(doc); err != nil {
		return nil, err
	}

	var file BenchFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode bench file: %w", err)
	}

	seen := make(map[string]string)
	var all []types.DeviceDescriptor
	for bi := range file.Benches {
		bench := &file.Benches[bi]
		for di := range bench.Devices {
			desc := &bench.Devices[di]
			family, err := types.ParseFamily(string(desc.Family))
			if err != nil {
				return nil, fmt.Errorf("bench %s device %s: %w", bench.Name, desc.ID, err)
			}
			desc.Family = family
			applyDefaults(desc)

			if other, dup := seen[desc.ID]; dup {
				return nil, fmt.Errorf("device id %q used by bench %s and %s", desc.ID, other, bench.Name)
			}
			seen[desc.ID] = bench.Name
			all = append(all, *desc)
		}
	}
	if err := CheckEndpoints(all); err != nil {
		return nil, err
	}
	return &file, nil
}

func applyDefaults(desc *types.DeviceDescriptor) {
	if desc.Address == 0 {
		switch desc.Family {
		case types.FamilyPeristalticA:
			desc.Address = KamoerDefaultAddress
		case types.FamilyPeristalticB:
			desc.Address = LangeDefaultAddress
		case types.FamilyPlungerPump:
			desc.Address = PlungerDefaultAddress
		}
	}
	if desc.Baud == 0 {
		if desc.Family == types.FamilyPowerSupply {
			desc.Baud = scpi.DefaultSettings().BaudRate
		} else {
			desc.Baud = modbus.DefaultSettings().BaudRate
		}
	}
}

package devices

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenBenchCore/internal/scpi"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"go.uber.org/zap"
)

const (
	GPDChannels = 4

	// Output is reported on when channel 1 reads above this.
	gpdOutputThreshold = 0.01
	gpdMaxSetpoint     = 1000
)

// GPD drives a GW Instek GPD-4303S style supply over its ASCII protocol.
// The supply has one output switch for all channels; SetOutput records the
// channel it was addressed with but toggles the whole output.
type GPD struct {
	base
	line     scpi.Line
	channels int

	identity      string
	voltages      []float64
	currents      []float64
	outputOn      bool
	outputChannel int
}

func NewGPD(desc types.DeviceDescriptor, line scpi.Line, logger *zap.Logger) *GPD {
	g := &GPD{
		line:     line,
		channels: GPDChannels,
		voltages: make([]float64, GPDChannels),
		currents: make([]float64, GPDChannels),
	}
	g.init(desc, logger)
	return g
}

func (g *GPD) Channels() int { return g.channels }

func (g *GPD) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.IsConnected() {
		return nil
	}
	if err := g.line.Open(); err != nil {
		return fmt.Errorf("connect %s: %w", g.desc.ID, err)
	}
	idn, err := g.line.Query(ctx, "*IDN?")
	if err != nil {
		_ = g.line.Close()
		return fmt.Errorf("connect %s: identify: %w", g.desc.ID, err)
	}

	g.identity = idn
	g.connected.Store(true)
	g.logger.Info("Device connected", zap.String("port", g.desc.Port), zap.String("identity", idn))
	return nil
}

func (g *GPD) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.IsConnected() {
		return nil
	}

	offErr := g.line.Send(ctx, "OUT0")
	if offErr != nil {
		g.logger.Warn("Output off before disconnect failed", zap.Error(offErr))
	} else {
		g.outputOn = false
	}

	g.connected.Store(false)
	closeErr := g.line.Close()
	g.logger.Info("Device disconnected")

	if offErr != nil {
		return fmt.Errorf("disconnect %s: %w", g.desc.ID, offErr)
	}
	return closeErr
}

// Start switches the output on. Supplies carry no pump parameters.
func (g *GPD) Start(ctx context.Context, _ types.Params) error {
	return g.SetOutput(ctx, 0, true)
}

func (g *GPD) Stop(ctx context.Context) error {
	return g.SetOutput(ctx, 0, false)
}

func (g *GPD) SetParameters(context.Context, types.Params) error {
	if err := g.requireConnected(); err != nil {
		return err
	}
	return nil
}

func (g *GPD) checkChannel(channel int) error {
	if channel < 1 || channel > g.channels {
		return fmt.Errorf("%w: channel %d out of range 1-%d", types.ErrInvalidCommand, channel, g.channels)
	}
	return nil
}

func checkSetpoint(what string, v float64) error {
	if math.IsNaN(v) || v < 0 || v >= gpdMaxSetpoint {
		return fmt.Errorf("%w: %s %v not representable", types.ErrEncoding, what, v)
	}
	return nil
}

func (g *GPD) SetVoltage(ctx context.Context, channel int, volts float64) error {
	if err := g.checkChannel(channel); err != nil {
		return err
	}
	if err := checkSetpoint("voltage", volts); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireConnected(); err != nil {
		return err
	}
	if err := g.line.Send(ctx, fmt.Sprintf("VSET%d:%.3f", channel, volts)); err != nil {
		return fmt.Errorf("set voltage %s ch%d: %w", g.desc.ID, channel, err)
	}
	g.voltages[channel-1] = volts
	return nil
}

func (g *GPD) SetCurrent(ctx context.Context, channel int, amps float64) error {
	if err := g.checkChannel(channel); err != nil {
		return err
	}
	if err := checkSetpoint("current", amps); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireConnected(); err != nil {
		return err
	}
	if err := g.line.Send(ctx, fmt.Sprintf("ISET%d:%.3f", channel, amps)); err != nil {
		return fmt.Errorf("set current %s ch%d: %w", g.desc.ID, channel, err)
	}
	g.currents[channel-1] = amps
	return nil
}

func (g *GPD) SetOutput(ctx context.Context, channel int, on bool) error {
	if channel != 0 {
		if err := g.checkChannel(channel); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireConnected(); err != nil {
		return err
	}
	cmd := "OUT0"
	if on {
		cmd = "OUT1"
	}
	if err := g.line.Send(ctx, cmd); err != nil {
		return fmt.Errorf("set output %s: %w", g.desc.ID, err)
	}
	g.outputOn = on
	if channel != 0 {
		g.outputChannel = channel
	}
	return nil
}

func (g *GPD) Status(ctx context.Context) types.DeviceStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.IsConnected() {
		return types.IdleStatus(g.desc.Family, false)
	}

	readings := make([]types.ChannelReading, g.channels)
	for ch := 1; ch <= g.channels; ch++ {
		v, err := g.readLocked(ctx, fmt.Sprintf("VOUT%d?", ch), "V")
		if err != nil {
			g.logger.Debug("Status read failed", zap.Int("channel", ch), zap.Error(err))
			return types.IdleStatus(g.desc.Family, true)
		}
		a, err := g.readLocked(ctx, fmt.Sprintf("IOUT%d?", ch), "A")
		if err != nil {
			g.logger.Debug("Status read failed", zap.Int("channel", ch), zap.Error(err))
			return types.IdleStatus(g.desc.Family, true)
		}
		readings[ch-1] = types.ChannelReading{Voltage: v, Current: a}
	}

	st := types.IdleStatus(g.desc.Family, true)
	st.Power.Channels = readings
	st.Power.OutputOn = readings[0].Voltage > gpdOutputThreshold
	st.Power.Identity = g.identity
	return st
}

// readLocked queries a measurement such as "05.000V" and strips the unit.
func (g *GPD) readLocked(ctx context.Context, query, unit string) (float64, error) {
	resp, err := g.line.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	return parseReading(resp, unit)
}

func parseReading(resp, unit string) (float64, error) {
	s := strings.TrimSpace(resp)
	s = strings.TrimSuffix(strings.TrimSuffix(s, unit), strings.ToLower(unit))
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: reading %q", types.ErrEncoding, resp)
	}
	return v, nil
}

func (g *GPD) Setpoints() Setpoints {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Setpoints{
		Running:       g.outputOn,
		Voltages:      append([]float64(nil), g.voltages...),
		Currents:      append([]float64(nil), g.currents...),
		OutputOn:      g.outputOn,
		OutputChannel: g.outputChannel,
	}
}

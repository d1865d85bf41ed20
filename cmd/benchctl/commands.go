package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/auth"
	"github.com/KevinKickass/OpenBenchCore/internal/controller"
	"github.com/KevinKickass/OpenBenchCore/internal/devices"
	"github.com/KevinKickass/OpenBenchCore/internal/logging"
	"github.com/KevinKickass/OpenBenchCore/internal/modbus"
	"github.com/KevinKickass/OpenBenchCore/internal/protocol"
	"github.com/KevinKickass/OpenBenchCore/internal/scpi"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globalOptions struct {
	logLevel string
}

func (o *globalOptions) logger() (*zap.Logger, error) {
	return logging.New(logging.Config{Level: o.logLevel, Development: true})
}

func NewRootCmd() *cobra.Command {
	o := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "benchctl",
		Short:         "Maintenance tool for lab benches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newValidateCmd(),
		newDevicesCmd(),
		newSetAddressCmd(o),
		newIdnCmd(o),
		newRunCmd(o),
		newHashPasswordCmd(),
		newMachineTokenCmd(),
	)
	return cmd
}

func loadBenchFile(path string) (*devices.BenchFile, error) {
	loader, err := devices.NewBenchLoader()
	if err != nil {
		return nil, err
	}
	return loader.Load(path)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <bench.yaml>",
		Short: "Validate a bench descriptor file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := loadBenchFile(args[0])
			if err != nil {
				return err
			}
			count := 0
			for _, b := range file.Benches {
				count += len(b.Devices)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d benches, %d devices)\n", args[0], len(file.Benches), count)
			return nil
		},
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices <bench.yaml>",
		Short: "List the devices of every bench",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := loadBenchFile(args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BENCH\tID\tFAMILY\tPORT\tADDRESS\tBAUD")
			for _, b := range file.Benches {
				for _, d := range b.Devices {
					port := d.Port
					if d.Simulated() {
						port += " (simulated)"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n", b.Name, d.ID, d.Family, port, d.Address, d.Baud)
				}
			}
			return w.Flush()
		},
	}
}

func newSetAddressCmd(o *globalOptions) *cobra.Command {
	var (
		port     string
		baud     int
		from, to int
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "set-address",
		Short: "Write a new Modbus unit address to a pump",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := o.logger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			settings := modbus.DefaultSettings()
			settings.BaudRate = baud
			settings.Timeout = timeout
			bus, err := modbus.NewPool(logger).RTU(port, settings)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout*3)
			defer cancel()
			if err := devices.ChangeAddress(ctx, bus, from, to); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unit %d on %s now answers at %d (power cycle if required)\n", from, port, to)
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "serial port, e.g. /dev/ttyUSB0")
	cmd.Flags().IntVar(&baud, "baud", 9600, "baud rate")
	cmd.Flags().IntVar(&from, "from", 0, "current unit address")
	cmd.Flags().IntVar(&to, "to", 0, "new unit address")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "response timeout")
	cmd.MarkFlagRequired("port")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func newIdnCmd(o *globalOptions) *cobra.Command {
	var (
		port    string
		baud    int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "idn",
		Short: "Query the identity of a power supply",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := o.logger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			settings := scpi.DefaultSettings()
			settings.BaudRate = baud
			settings.Timeout = timeout
			line := scpi.NewSerialLine(port, settings, logger)
			if err := line.Open(); err != nil {
				return err
			}
			defer line.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout*2)
			defer cancel()
			idn, err := line.Query(ctx, "*IDN?")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), idn)
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "serial port, e.g. /dev/ttyUSB1")
	cmd.Flags().IntVar(&baud, "baud", 9600, "baud rate")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "response timeout")
	cmd.MarkFlagRequired("port")
	return cmd
}

func newRunCmd(o *globalOptions) *cobra.Command {
	var (
		benchFile    string
		benchName    string
		protocolFile string
		snapshots    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a protocol headless on one bench and print its messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := o.logger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			file, err := loadBenchFile(benchFile)
			if err != nil {
				return err
			}
			if benchName == "" {
				benchName = file.Benches[0].Name
			}
			bench, err := file.Bench(benchName)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(protocolFile)
			if err != nil {
				return fmt.Errorf("failed to read protocol: %w", err)
			}
			p, err := protocol.Parse(data)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runProtocol(ctx, cmd.OutOrStdout(), bench, p, snapshots, logger)
		},
	}
	cmd.Flags().StringVar(&benchFile, "bench-file", "configs/benches.yaml", "bench descriptor file")
	cmd.Flags().StringVar(&benchName, "bench", "", "bench name (default: first bench in the file)")
	cmd.Flags().StringVar(&protocolFile, "protocol", "", "protocol JSON file")
	cmd.Flags().BoolVar(&snapshots, "snapshots", false, "also print status snapshots")
	cmd.MarkFlagRequired("protocol")
	return cmd
}

var errProtocolFailed = errors.New("protocol did not complete")

// runProtocol drives one controller until the protocol finished, then shuts
// it down. Cancelling ctx aborts the run.
func runProtocol(ctx context.Context, out io.Writer, bench devices.Bench, p *protocol.Protocol, snapshots bool, logger *zap.Logger) error {
	known := make(map[string]bool, len(bench.Devices))
	for _, d := range bench.Devices {
		known[d.ID] = true
	}
	report := protocol.NewValidator(func(id string) bool { return known[id] }).Validate(p.Steps)
	for _, w := range report.Warnings {
		fmt.Fprintf(out, "warning: %s: %s\n", w.Path, w.Message)
	}
	if err := report.Err(); err != nil {
		return err
	}

	factory := devices.NewFactory(modbus.NewPool(logger), devices.DefaultTimeouts(), logger)
	ctrl, err := controller.New(bench.Name, factory, bench.Devices, controller.DefaultConfig(), nil, logger)
	if err != nil {
		return err
	}

	go ctrl.Run(ctx)
	if err := ctrl.Submit(types.Command{Type: types.CommandRunProtocol, Steps: p.Steps}); err != nil {
		return err
	}

	result := errProtocolFailed
	finished := false
	for msg := range ctrl.Status() {
		switch msg.Type {
		case types.MessageSnapshot:
			if snapshots && msg.Snapshot != nil {
				printSnapshot(out, *msg.Snapshot)
			}
		case types.MessageError:
			fmt.Fprintf(out, "%s error [%s] %s\n", msg.Timestamp.Format(time.TimeOnly), msg.Code, msg.Error)
			if msg.Code == "PROTOCOL_ABORTED" || msg.Code == "PROTOCOL_BUSY" {
				finished = true
			}
		case types.MessageInfo:
			fmt.Fprintf(out, "%s info %s\n", msg.Timestamp.Format(time.TimeOnly), msg.Info)
			if strings.Contains(msg.Info, " completed: ") {
				finished = true
				result = nil
			}
		}

		if finished {
			finished = false
			if err := ctrl.Submit(types.Command{Type: types.CommandShutdown}); err != nil && !errors.Is(err, types.ErrControllerStopped) {
				return err
			}
		}
	}
	<-ctrl.Done()
	return result
}

func printSnapshot(out io.Writer, snap types.StatusSnapshot) {
	for id, st := range snap.Devices {
		switch {
		case st.Pump != nil:
			fmt.Fprintf(out, "  %s connected=%t running=%t speed=%.1f flow=%.3f pressure=%.1f\n",
				id, st.Connected, st.Pump.IsRunning, st.Pump.SpeedRPM, st.Pump.FlowRateMLMin, st.Pump.PressureMPa)
		case st.Power != nil && len(st.Power.Channels) > 0:
			ch := st.Power.Channels[0]
			fmt.Fprintf(out, "  %s connected=%t output=%t ch1=%.3fV/%.3fA\n",
				id, st.Connected, st.Power.OutputOn, ch.Voltage, ch.Current)
		default:
			fmt.Fprintf(out, "  %s connected=%t\n", id, st.Connected)
		}
	}
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print an argon2id hash for the auth.users section of the config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := ""
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("empty password")
			}

			hash, err := auth.NewPasswordHasher().HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newMachineTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "machine-token",
		Short: "Generate a machine token and the hash to put in auth.machine_tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, hash, err := auth.NewMachineTokenGenerator().GenerateMachineToken()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token: %s\ntoken_hash: %s\n", token, hash)
			return nil
		},
	}
}

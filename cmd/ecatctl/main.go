// ecatctl is a command line frontend for the master stack. It brings a
// slave ring up over the UDP link layer and runs one-shot operations
// against it: scanning, state transitions, SDO transfers and distributed
// clock measurement.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/andom9/ethercat/ecad"
	"github.com/andom9/ethercat/eccoe"
	"github.com/andom9/ethercat/ecdc"
	"github.com/andom9/ethercat/ecee"
	"github.com/andom9/ethercat/ecfr"
	"github.com/andom9/ethercat/eclog"
	"github.com/andom9/ethercat/ecmbx"
	"github.com/andom9/ethercat/ecmd"
	"github.com/andom9/ethercat/ecmetrics"
	"github.com/andom9/ethercat/ecnet"
	"github.com/andom9/ethercat/ecsm"
	"github.com/andom9/ethercat/ll/udp"
	"github.com/andom9/ethercat/raweni"
)

// SII word addresses of the standard mailbox description.
const (
	siiMailboxRecvOffset = 0x0018
	siiMailboxRecvSize   = 0x0019
	siiMailboxSendOffset = 0x001a
	siiMailboxSendSize   = 0x001b
)

var (
	cfgFile     string
	ifaceName   string
	groupAddr   string
	cycleTime   time.Duration
	verbose     bool
	jsonLog     bool
	metricsAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ecatctl",
		Short:         "EtherCAT master control tool",
		Long:          "ecatctl drives an EtherCAT slave ring over the UDP link layer:\nscan the ring, walk slaves through the state machine, transfer SDOs\nand measure the distributed clocks.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
			startMetrics()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "network config file (yaml)")
	rootCmd.PersistentFlags().StringVarP(&ifaceName, "iface", "i", "eth0", "network interface")
	rootCmd.PersistentFlags().StringVarP(&groupAddr, "group", "g", "239.255.4.5", "multicast group")
	rootCmd.PersistentFlags().DurationVar(&cycleTime, "cycle-time", 5*time.Millisecond, "frame exchange cycle time")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "log in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "serve prometheus metrics on this address")

	rootCmd.AddCommand(
		newScanCmd(),
		newStateCmd(),
		newSdoCmd(),
		newDcCmd(),
		newEsiCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ecatctl:", err)
		os.Exit(1)
	}
}

func setupLogging() {
	cfg := eclog.Config{Level: "info"}
	if verbose {
		cfg.Level = "debug"
	}
	if jsonLog {
		cfg.Format = "json"
	}
	eclog.SetGlobal(eclog.New(cfg))
}

func startMetrics() {
	if metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			eclog.Global().Error("metrics listener failed", "err", err)
		}
	}()
}

func loadConfig() (*ecnet.Config, error) {
	if cfgFile == "" {
		return ecnet.DefaultConfig(), nil
	}
	return ecnet.LoadConfig(cfgFile)
}

func openCommander() (*ecmd.CommandFramer, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", ifaceName, err)
	}
	group := net.ParseIP(groupAddr)
	if group == nil {
		return nil, fmt.Errorf("bad multicast group %q", groupAddr)
	}

	framer, err := udp.NewUDPFramer(iface, group, cycleTime)
	if err != nil {
		return nil, err
	}
	return ecmd.NewCommandFramer(framer), nil
}

// enumerate counts the ring with a broadcast, assigns station addresses by
// position and fills the network table.
func enumerate(c ecmd.Commander, cfg *ecnet.Config) (*ecnet.Network, error) {
	n, err := countSlaves(c)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.New("no slaves answered")
	}
	if n > cfg.MaxSlaves {
		return nil, fmt.Errorf("%w: %d slaves, table holds %d", ecnet.ErrCapacityExceeded, n, cfg.MaxSlaves)
	}
	ecmetrics.SetSlavesOnline(n)

	net := ecnet.NewNetwork(cfg.MaxSlaves)
	for pos := 0; pos < n; pos++ {
		station := cfg.StationAddrBase + uint16(pos)
		wb := []byte{uint8(station), uint8(station >> 8)}
		err := ecmd.ExecuteWrite(c, ecfr.APWR,
			ecfr.PositionAddress(uint16(pos), ecad.ConfiguredStationAddress), wb, 1)
		if err != nil {
			return nil, fmt.Errorf("assigning station to position %d: %w", pos, err)
		}
		if _, err := net.AddSlave(station); err != nil {
			return nil, err
		}
	}

	eclog.Global().Info("ring enumerated", "slaves", n)
	return net, nil
}

// countSlaves counts answering slaves off the working counter of a
// broadcast read.
func countSlaves(c ecmd.Commander) (int, error) {
	cmd, err := c.New(2)
	if err != nil {
		return 0, err
	}
	cmd.Command = ecfr.BRD
	cmd.SetAddress(ecfr.BroadcastAddress(ecad.Type))

	if err := c.Cycle(); err != nil {
		return 0, err
	}
	if err := ecmd.ChooseDefaultError(cmd); err != nil {
		ecmetrics.FrameLossCount.Inc()
		return 0, fmt.Errorf("broadcast probe: %w", err)
	}
	return int(cmd.DatagramIn.WorkingCounter), nil
}

// climb walks a slave to target one ladder step at a time, running each
// transition to completion.
func climb(c ecmd.Commander, cfg *ecnet.Config, sl *ecnet.Slave, target ecnet.ALState) error {
	for sl.ALState != target {
		next := sl.ALState.NextTowards(target)

		tr := ecsm.NewTransition(cfg)
		if err := tr.Start(sl, next); err != nil {
			return err
		}
		budget := cfg.TransitionTimeoutCycles(next) + 10
		if err := ecmd.RunToCompletion(c, tr, budget); err != nil {
			return err
		}
		if _, err, done := tr.Result(); !done || err != nil {
			ecmetrics.IncStateTransitionFailure(next.String())
			if err == nil {
				err = fmt.Errorf("transition to %v ran out of cycles", next)
			}
			return err
		}
		eclog.Global().Debug("transition done", "slave", sl.Position, "state", sl.ALState)
	}
	return nil
}

// readMailboxLayout fills the slave's mailbox sync manager description from
// the SII words the vendor programmed.
func readMailboxLayout(c ecmd.Commander, sl *ecnet.Slave) error {
	ee, err := ecee.New(c, ecfr.StationAddress(sl.StationAddr, 0))
	if err != nil {
		return err
	}
	defer ee.Close()

	words := make([]uint16, 4)
	for i, addr := range []uint32{siiMailboxRecvOffset, siiMailboxRecvSize, siiMailboxSendOffset, siiMailboxSendSize} {
		words[i], err = ee.ReadWord(addr)
		if err != nil {
			return fmt.Errorf("SII word %#04x on slave %d: %w", addr, sl.Position, err)
		}
	}

	sl.MailboxOut = ecnet.SyncM{Number: 0, Start: words[0], Length: words[1], Control: 0x26}
	sl.MailboxIn = ecnet.SyncM{Number: 1, Start: words[2], Length: words[3], Control: 0x22}
	if !sl.HasMailbox() {
		return fmt.Errorf("slave %d has no mailbox in its SII", sl.Position)
	}
	return nil
}

// configureSyncManagers writes the mailbox sync manager registers while the
// slave sits in Init.
func configureSyncManagers(c ecmd.Commander, sl *ecnet.Slave) error {
	for _, sm := range []ecnet.SyncM{sl.MailboxOut, sl.MailboxIn} {
		wb := make([]byte, ecad.SyncManagerChannelLen)
		wb[ecad.SyncManagerPhysStartAddrOffset] = uint8(sm.Start)
		wb[ecad.SyncManagerPhysStartAddrOffset+1] = uint8(sm.Start >> 8)
		wb[ecad.SyncManagerLengthOffset] = uint8(sm.Length)
		wb[ecad.SyncManagerLengthOffset+1] = uint8(sm.Length >> 8)
		wb[ecad.SyncManagerControlOffset] = sm.Control
		wb[ecad.SyncManagerActivateOffset] = 0x01

		err := ecmd.ExecuteWrite(c, ecfr.FPWR,
			ecfr.StationAddress(sl.StationAddr, ecad.SyncManagerAddr(sm.Number)), wb, 1)
		if err != nil {
			return fmt.Errorf("configuring SM%d on slave %d: %w", sm.Number, sl.Position, err)
		}
	}
	return nil
}

// ensureMailbox prepares a slave for mailbox traffic: SII layout, sync
// manager registers, PreOp.
func ensureMailbox(c ecmd.Commander, cfg *ecnet.Config, sl *ecnet.Slave) error {
	if err := readMailboxLayout(c, sl); err != nil {
		return err
	}
	if err := configureSyncManagers(c, sl); err != nil {
		return err
	}
	return climb(c, cfg, sl, ecnet.PreOp)
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Enumerate the ring and show each slave",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := openCommander()
			if err != nil {
				return err
			}
			defer c.Close()

			net, err := enumerate(c, cfg)
			if err != nil {
				return err
			}

			fmt.Printf("%-4s %-8s %-6s %-9s %-6s %s\n", "pos", "station", "type", "revision", "build", "state")
			for pos := uint16(0); pos < net.NumSlaves(); pos++ {
				sl, err := net.Slave(pos)
				if err != nil {
					return err
				}

				id, err := ecmd.ExecuteRead(c, ecfr.FPRD,
					ecfr.StationAddress(sl.StationAddr, ecad.Type), 4, 1)
				if err != nil {
					return fmt.Errorf("reading slave %d: %w", pos, err)
				}
				st, err := ecmd.ExecuteRead(c, ecfr.FPRD,
					ecfr.StationAddress(sl.StationAddr, ecad.ALStatus), 2, 1)
				if err != nil {
					return fmt.Errorf("reading slave %d: %w", pos, err)
				}
				sl.ALState = ecnet.ALStateFromRegister(st[0])

				fmt.Printf("%-4d %#-8x %#-6x %-9d %-6d %v\n",
					pos, sl.StationAddr, id[0], id[1], uint16(id[2])|uint16(id[3])<<8, sl.ALState)
			}
			return nil
		},
	}
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <init|preop|safeop|op|boot>",
		Short: "Walk every slave to the given state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseState(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := openCommander()
			if err != nil {
				return err
			}
			defer c.Close()

			net, err := enumerate(c, cfg)
			if err != nil {
				return err
			}

			for pos := uint16(0); pos < net.NumSlaves(); pos++ {
				sl, err := net.Slave(pos)
				if err != nil {
					return err
				}
				if err := climb(c, cfg, sl, target); err != nil {
					return fmt.Errorf("slave %d: %w", pos, err)
				}
				fmt.Printf("slave %d: %v\n", pos, sl.ALState)
			}
			return nil
		},
	}
}

func newSdoCmd() *cobra.Command {
	sdoCmd := &cobra.Command{
		Use:   "sdo",
		Short: "SDO transfers over the CoE mailbox",
	}

	sdoCmd.AddCommand(&cobra.Command{
		Use:   "read <pos> <index> <subindex>",
		Short: "Upload an object from a slave",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, index, subindex, err := parseObjectArgs(args)
			if err != nil {
				return err
			}

			c, cfg, sl, err := attachMailbox(pos)
			if err != nil {
				return err
			}
			defer c.Close()

			cl := eccoe.NewClient(cfg)
			if err := cl.StartUpload(sl, index, subindex); err != nil {
				return err
			}
			data, err := finishSdo(c, cfg, cl)
			if err != nil {
				return err
			}
			fmt.Printf("%#04x:%d = % x\n", index, subindex, data)
			return nil
		},
	})

	sdoCmd.AddCommand(&cobra.Command{
		Use:   "write <pos> <index> <subindex> <hexbytes>",
		Short: "Download a value to a slave, little endian hex bytes",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, index, subindex, err := parseObjectArgs(args)
			if err != nil {
				return err
			}
			data, err := hex.DecodeString(strings.ReplaceAll(args[3], " ", ""))
			if err != nil {
				return fmt.Errorf("bad value %q: %w", args[3], err)
			}

			c, cfg, sl, err := attachMailbox(pos)
			if err != nil {
				return err
			}
			defer c.Close()

			cl := eccoe.NewClient(cfg)
			if err := cl.StartDownload(sl, index, subindex, data); err != nil {
				return err
			}
			if _, err := finishSdo(c, cfg, cl); err != nil {
				return err
			}
			fmt.Printf("%#04x:%d <- % x\n", index, subindex, data)
			return nil
		},
	})

	return sdoCmd
}

// attachMailbox enumerates the ring and prepares the slave at pos for
// mailbox traffic.
func attachMailbox(pos uint16) (*ecmd.CommandFramer, *ecnet.Config, *ecnet.Slave, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := openCommander()
	if err != nil {
		return nil, nil, nil, err
	}

	net, err := enumerate(c, cfg)
	if err != nil {
		c.Close()
		return nil, nil, nil, err
	}
	sl, err := net.Slave(pos)
	if err != nil {
		c.Close()
		return nil, nil, nil, err
	}
	if err := ensureMailbox(c, cfg, sl); err != nil {
		c.Close()
		return nil, nil, nil, err
	}
	return c, cfg, sl, nil
}

// finishSdo runs a started transfer to completion and translates the
// outcome, counting aborts and timeouts.
func finishSdo(c ecmd.Commander, cfg *ecnet.Config, cl *eccoe.Client) ([]byte, error) {
	if err := ecmd.RunToCompletion(c, cl, cfg.MailboxTimeoutCycles+10); err != nil {
		return nil, err
	}

	data, err, done := cl.Result()
	if !done {
		return nil, errors.New("transfer ran out of cycles")
	}
	if err != nil {
		var abort eccoe.SdoAbortError
		if errors.As(err, &abort) {
			ecmetrics.SdoAborts.Inc()
		}
		if errors.Is(err, ecmbx.ErrMailboxTimeout) {
			ecmetrics.MailboxTimeouts.Inc()
		}
		return nil, err
	}
	return data, nil
}

func newDcCmd() *cobra.Command {
	dcCmd := &cobra.Command{
		Use:   "dc",
		Short: "Distributed clock operations",
	}

	dcCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Measure propagation delays and write clock corrections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := openCommander()
			if err != nil {
				return err
			}
			defer c.Close()

			net, err := enumerate(c, cfg)
			if err != nil {
				return err
			}
			if err := probeDCSupport(c, net); err != nil {
				return err
			}

			s := ecdc.NewSync(cfg, net)
			if err := s.Start(); err != nil {
				return err
			}
			budget := cfg.DCLatchPasses*2 + 10
			if err := ecmd.RunToCompletion(c, s, budget); err != nil {
				return err
			}

			updated, skipped, err, done := s.Result()
			if !done {
				return errors.New("measurement ran out of cycles")
			}
			if err != nil {
				return err
			}

			var maxOffset int64
			for _, pos := range updated {
				sl, err := net.Slave(pos)
				if err != nil {
					return err
				}
				fmt.Printf("slave %d: delay %d ns, offset %d ns\n", pos, sl.DC.PropDelay, sl.DC.Offset)
				if off := sl.DC.Offset; off > maxOffset {
					maxOffset = off
				} else if -off > maxOffset {
					maxOffset = -off
				}
			}
			for _, pos := range skipped {
				fmt.Printf("slave %d: skipped, probe lost\n", pos)
			}
			ecmetrics.DCMaxOffsetNs.Set(float64(maxOffset))
			return nil
		},
	})

	dcCmd.AddCommand(&cobra.Command{
		Use:   "drift <cycles>",
		Short: "Distribute the reference time for a number of cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cycles, err := strconv.Atoi(args[0])
			if err != nil || cycles < 1 {
				return fmt.Errorf("bad cycle count %q", args[0])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := openCommander()
			if err != nil {
				return err
			}
			defer c.Close()

			net, err := enumerate(c, cfg)
			if err != nil {
				return err
			}
			if err := probeDCSupport(c, net); err != nil {
				return err
			}

			dr, err := ecdc.NewDriftCompensator(net)
			if err != nil {
				return err
			}
			for i := 0; i < cycles; i++ {
				if err := dr.Push(c); err != nil {
					return err
				}
				if err := c.Cycle(); err != nil {
					return err
				}
				dr.Update()
				ecmetrics.CycleCount.Inc()
			}

			sent, misses, lastRef, _ := dr.Stats()
			fmt.Printf("distributed %d cycles, %d lost, reference time %d ns\n", sent, misses, lastRef)
			return nil
		},
	})

	return dcCmd
}

func newEsiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "esi <file.xml>",
		Short: "Show the devices of an ESI device description file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eci, err := raweni.ReadEtherCATInfoFromFile(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("vendor %s (id %#x)\n", eci.Vendor.Name, eci.Vendor.Id)
			for _, dev := range eci.Descriptions.Devices {
				fmt.Printf("device %s product %#08x revision %#08x\n",
					dev.Type.Name, dev.Type.ProductCode(), dev.Type.RevisionNo())
				for _, sm := range dev.Sms {
					if sm.IsMailboxOut() || sm.IsMailboxIn() {
						fmt.Printf("  %s start %#04x size %d control %#02x\n",
							sm.Name, sm.StartAddress(), sm.DefaultSize, sm.ControlByte())
					}
				}
				if dev.Dc != nil {
					for _, m := range dev.Dc.OpModes {
						fmt.Printf("  dc opmode %s assign/activate %#04x\n", m.Name, m.AssignActivate())
					}
				}
			}
			return nil
		},
	}
}

// probeDCSupport marks the slaves whose ESC advertises distributed clock
// support in its feature register.
func probeDCSupport(c ecmd.Commander, net *ecnet.Network) error {
	for pos := uint16(0); pos < net.NumSlaves(); pos++ {
		sl, err := net.Slave(pos)
		if err != nil {
			return err
		}
		feat, err := ecmd.ExecuteRead(c, ecfr.FPRD,
			ecfr.StationAddress(sl.StationAddr, ecad.ESCFeaturesSupported), 2, 1)
		if err != nil {
			return fmt.Errorf("feature probe on slave %d: %w", pos, err)
		}
		sl.SupportsDC = feat[0]&0x04 != 0
	}
	return nil
}

func parseState(s string) (ecnet.ALState, error) {
	switch strings.ToLower(s) {
	case "init":
		return ecnet.Init, nil
	case "preop":
		return ecnet.PreOp, nil
	case "boot":
		return ecnet.Boot, nil
	case "safeop":
		return ecnet.SafeOp, nil
	case "op":
		return ecnet.Op, nil
	}
	return ecnet.Invalid, fmt.Errorf("unknown state %q", s)
}

func parseObjectArgs(args []string) (pos uint16, index uint16, subindex uint8, err error) {
	p, err := strconv.ParseUint(args[0], 0, 16)
	if err != nil {
		err = fmt.Errorf("bad position %q: %w", args[0], err)
		return
	}
	ix, err := strconv.ParseUint(args[1], 0, 16)
	if err != nil {
		err = fmt.Errorf("bad index %q: %w", args[1], err)
		return
	}
	sub, err := strconv.ParseUint(args[2], 0, 8)
	if err != nil {
		err = fmt.Errorf("bad subindex %q: %w", args[2], err)
		return
	}
	return uint16(p), uint16(ix), uint8(sub), nil
}

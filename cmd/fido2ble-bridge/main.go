// Command fido2ble-bridge exposes a virtual CTAPHID USB device backed by a
// FIDO2 authenticator reachable only over Bluetooth LE, translating between
// the two framings.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/PoneBiometrics/fido2ble/internal/blecentral"
	"github.com/PoneBiometrics/fido2ble/internal/bridgelog"
	"github.com/PoneBiometrics/fido2ble/internal/session"
	"github.com/PoneBiometrics/fido2ble/internal/uhid"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type serveFlags struct {
	bleAddr            string
	nameTemplate       string
	controlPointLength uint16
	idleTimeoutMillis  int
	uhidPath           string
	verbose            bool
	jsonLogs           bool
}

// newRootCmd builds the fido2ble-bridge root command. The actual bridge
// runs under the "serve" subcommand (spec §1.3); the root itself only
// prints usage.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fido2ble-bridge",
		Short: "Bridge a USB-HID FIDO2 client to a Bluetooth LE FIDO2 authenticator",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.bleAddr, "ble-addr", "", "Bluetooth MAC address of the FIDO2 authenticator (required)")
	cmd.Flags().StringVar(&flags.nameTemplate, "name-template", uhid.DefaultNameTemplate, "virtual HID device name template, with a single %s for the BLE address")
	cmd.Flags().Uint16Var(&flags.controlPointLength, "fido-control-point-length", 0, "override the BLE Control Point fragment size instead of reading it from the device (0 = auto)")
	cmd.Flags().IntVar(&flags.idleTimeoutMillis, "idle-timeout-millis", 0, "override the idle-timeout countdown in milliseconds (0 = default)")
	cmd.Flags().StringVar(&flags.uhidPath, "uhid-path", uhid.DevicePath, "path to the /dev/uhid device node")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVar(&flags.jsonLogs, "json-logs", false, "emit logs as JSON instead of text")
	_ = cmd.MarkFlagRequired("ble-addr")

	return cmd
}

func run(ctx context.Context, flags *serveFlags) error {
	log := bridgelog.New(bridgelog.Options{Verbose: flags.verbose, JSON: flags.jsonLogs})
	session.SetIdleBudgetMillis(flags.idleTimeoutMillis)

	ble := blecentral.New(bridgelog.For(log, "blecentral"), flags.bleAddr, flags.controlPointLength)
	vid, pid, addr, err := uhid.VIDPIDFrom(ble.DeviceID())
	if err != nil {
		return fmt.Errorf("deriving HID identity from %q: %w", flags.bleAddr, err)
	}

	hid, err := uhid.Create(flags.uhidPath, uhid.NameFor(flags.nameTemplate, addr), vid, pid)
	if err != nil {
		if os.IsPermission(errors.Cause(err)) {
			log.WithError(err).Fatal("permission denied creating virtual HID device; rerun as root?")
		}
		return fmt.Errorf("creating virtual HID device: %w", err)
	}
	defer hid.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	if err := hid.WaitReady(runCtx); err != nil {
		return fmt.Errorf("waiting for virtual HID device to come up: %w", err)
	}
	log.WithFields(map[string]interface{}{"vid": vid, "pid": pid, "ble_addr": flags.bleAddr}).Info("fido2ble-bridge started")

	sess := session.New(bridgelog.For(log, "session"), hid, ble)
	sess.Run(runCtx)
	return nil
}

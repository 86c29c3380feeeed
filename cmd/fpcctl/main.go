// fpcctl is an interactive exercise tool for the fingerprint sensor
// driver. It drives every driver operation from a menu loop, either
// against real hardware over libusb or against the built-in simulated
// sensor with --sim.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/openfpc/fpcusb/config"
	"github.com/openfpc/fpcusb/device"
	"github.com/openfpc/fpcusb/fprint"
	"github.com/openfpc/fpcusb/hal"
	"github.com/openfpc/fpcusb/hal/sim"
	"github.com/openfpc/fpcusb/hal/usb"
	"github.com/openfpc/fpcusb/pkg"
	"github.com/openfpc/fpcusb/session"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	okColor     = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed)
)

func main() {
	if err := run(); err != nil {
		errColor.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		logLevel   string
		logFormat  string
		useSim     bool
		vid, pid   uint16
	)

	flags := pflag.NewFlagSet("fpcctl", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	flags.StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	flags.BoolVar(&useSim, "sim", false, "use the simulated sensor instead of hardware")
	flags.Uint16Var(&vid, "vid", 0, "override the USB vendor ID")
	flags.Uint16Var(&pid, "pid", 0, "override the USB product ID")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	pkg.SetLogLevel(level)
	if logFormat == "json" {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	cfg := config.Default()
	if configPath != "" {
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if vid != 0 {
		cfg.VendorID = vid
	}
	if pid != 0 {
		cfg.ProductID = pid
	}

	var pipe hal.Pipe
	if useSim {
		pipe = sim.New()
	} else {
		var err error
		if pipe, err = usb.Open(cfg.VendorID, cfg.ProductID); err != nil {
			return err
		}
	}

	dev := device.New(pipe, cfg)
	defer dev.Unref()

	ctx := context.Background()
	if err := dev.Initialize(ctx); err != nil {
		return fmt.Errorf("device initialization: %w", err)
	}

	sess, err := session.Open(dev)
	if err != nil {
		return err
	}
	defer sess.Close()

	headerColor.Println("fpcctl - fingerprint sensor exercise tool")
	if useSim {
		warnColor.Println("running against the simulated sensor")
	}
	printInfo(sess)

	return menuLoop(ctx, sess, cfg)
}

func menuLoop(ctx context.Context, sess *session.Session, cfg *config.Config) error {
	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Println()
		headerColor.Println("commands: info status capture enroll verify identify list delete clear calibrate power suspend resume reset monitor quit")
		fmt.Print("> ")
		if !in.Scan() {
			return in.Err()
		}
		fields := strings.Fields(in.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "info":
			printInfo(sess)
		case "status":
			err = printStatus(sess)
		case "capture":
			err = doCapture(ctx, sess)
		case "enroll":
			err = doEnroll(ctx, in, sess, cfg, fields[1:])
		case "verify":
			err = doVerify(ctx, sess, fields[1:])
		case "identify":
			err = doIdentify(ctx, sess)
		case "list":
			err = doList(ctx, sess)
		case "delete":
			err = doDelete(ctx, sess, fields[1:])
		case "clear":
			err = sess.ClearTemplates(ctx)
		case "calibrate":
			err = sess.Calibrate(ctx, 0, 5, 128)
		case "power":
			err = doPower(ctx, sess, fields[1:])
		case "suspend":
			err = sess.Suspend(ctx)
		case "resume":
			err = sess.Resume(ctx)
		case "reset":
			err = sess.Reset(ctx)
		case "monitor":
			err = doMonitor(in, sess)
		case "quit", "exit", "q":
			return nil
		default:
			warnColor.Printf("unknown command %q\n", fields[0])
		}
		if err != nil {
			errColor.Printf("%s: %v\n", fields[0], err)
		} else if fields[0] != "info" && fields[0] != "status" {
			okColor.Println("ok")
		}
	}
}

func printInfo(sess *session.Session) {
	info, err := sess.Info()
	if err != nil {
		errColor.Printf("info: %v\n", err)
		return
	}
	fmt.Printf("  device    %04x:%04x firmware %s\n", info.VendorID, info.ProductID, info.FirmwareVersion)
	fmt.Printf("  sensor    %dx%d px, %d templates stored\n", info.ImageWidth, info.ImageHeight, info.TemplateCount)
	fmt.Printf("  caps      0x%08x\n", info.Capabilities)
}

func printStatus(sess *session.Session) error {
	st, err := sess.Status()
	if err != nil {
		return err
	}
	fmt.Printf("  state     %s\n", st.State)
	fmt.Printf("  uptime    %s\n", st.Uptime.Round(time.Second))
	fmt.Printf("  captures  %d  matches %d/%d\n", st.TotalCaptures, st.SuccessfulMatches, st.SuccessfulMatches+st.FailedMatches)
	fmt.Printf("  errors    %d  recoveries %d  last %s\n", st.ErrorCount, st.RecoveryCount, st.LastError)
	if st.Failed {
		errColor.Println("  device is marked FAILED; run reset")
	}
	return nil
}

func doCapture(ctx context.Context, sess *session.Session) error {
	fmt.Println("place finger on the sensor...")
	img, err := sess.Capture(ctx)
	if err != nil {
		return err
	}
	defer img.Release()
	fmt.Printf("  captured %dx%d, quality %d, %d bytes\n", img.Width, img.Height, img.Quality, len(img.Data))
	return nil
}

func doEnroll(ctx context.Context, in *bufio.Scanner, sess *session.Session, cfg *config.Config, args []string) error {
	slot, err := argSlot(args)
	if err != nil {
		return err
	}
	name := "finger"
	if len(args) > 1 {
		name = args[1]
	}

	sc := fprint.NewScanner(sess, cfg)
	if err := sc.EnrollBegin(ctx, slot, name, 10000); err != nil {
		return err
	}

	for {
		fmt.Printf("stage %d/%d: place finger and press enter (or 'cancel')\n", sc.Stage()+1, sc.EnrollStages())
		if !in.Scan() || strings.TrimSpace(in.Text()) == "cancel" {
			return sc.EnrollCancel(ctx)
		}

		status, tpl, err := sc.EnrollStep(ctx)
		switch status {
		case fprint.EnrollStagePassed:
			okColor.Printf("  stage accepted (%d/%d)\n", sc.Stage(), sc.EnrollStages())
		case fprint.EnrollRetry:
			warnColor.Println("  sample rejected, reposition the finger")
		case fprint.EnrollCompleted:
			okColor.Printf("  enrolled template %d (%q, %d bytes)\n", tpl.ID, tpl.Name, len(tpl.Data))
			tpl.Release()
			return nil
		case fprint.EnrollFailed:
			return err
		}
	}
}

func doVerify(ctx context.Context, sess *session.Session, args []string) error {
	slot, err := argSlot(args)
	if err != nil {
		return err
	}
	fmt.Println("place finger on the sensor...")
	sc := fprint.NewScanner(sess, nil)
	status, confidence, err := sc.Verify(ctx, slot, 10000)
	if err != nil {
		return err
	}
	switch status {
	case fprint.VerifyMatch:
		okColor.Printf("  match, confidence %d\n", confidence)
	case fprint.VerifyNoMatch:
		warnColor.Println("  no match")
	case fprint.VerifyRetry:
		warnColor.Println("  sample unusable, try again")
	}
	return nil
}

func doIdentify(ctx context.Context, sess *session.Session) error {
	fmt.Println("place finger on the sensor...")
	sc := fprint.NewScanner(sess, nil)
	status, res, err := sc.Identify(ctx, 10000)
	if err != nil {
		return err
	}
	switch status {
	case fprint.VerifyMatch:
		okColor.Printf("  matched template %d, confidence %d\n", res.TemplateID, res.Confidence)
	case fprint.VerifyNoMatch:
		warnColor.Println("  no match")
	case fprint.VerifyRetry:
		warnColor.Println("  sample unusable, try again")
	}
	return nil
}

func doList(ctx context.Context, sess *session.Session) error {
	ids, err := sess.ListTemplates(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("  no templates stored")
		return nil
	}
	for _, id := range ids {
		tpl, err := sess.LoadTemplate(ctx, id)
		if err != nil {
			fmt.Printf("  slot %2d  (unreadable: %v)\n", id, err)
			continue
		}
		fmt.Printf("  slot %2d  %-32q quality %d, %d bytes\n", tpl.ID, tpl.Name, tpl.Quality, len(tpl.Data))
		tpl.Release()
	}
	return nil
}

func doDelete(ctx context.Context, sess *session.Session, args []string) error {
	slot, err := argSlot(args)
	if err != nil {
		return err
	}
	return sess.DeleteTemplate(ctx, slot)
}

func doPower(ctx context.Context, sess *session.Session, args []string) error {
	if len(args) == 0 {
		mode, err := sess.GetPowerMode(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("  power mode %d\n", mode)
		return nil
	}
	mode, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil {
		return fmt.Errorf("power mode %q: %w", args[0], pkg.ErrInvalidParam)
	}
	return sess.SetPowerMode(ctx, uint8(mode))
}

// doMonitor streams sensor events until the user presses enter.
func doMonitor(in *bufio.Scanner, sess *session.Session) error {
	err := sess.SetEventCallback(func(ev device.Event) {
		switch ev.Kind {
		case device.EventEnrollmentProgress:
			fmt.Printf("  event: %s (%d/%d)\n", ev.Kind, ev.Progress, ev.SamplesNeeded)
		case device.EventVerificationComplete:
			fmt.Printf("  event: %s (matched=%v template=%d confidence=%d)\n",
				ev.Kind, ev.Matched, ev.TemplateID, ev.Confidence)
		case device.EventError:
			errColor.Printf("  event: %s (%s)\n", ev.Kind, ev.Code)
		default:
			fmt.Printf("  event: %s\n", ev.Kind)
		}
	})
	if err != nil {
		return err
	}

	fmt.Println("monitoring events, press enter to stop...")
	in.Scan()
	return sess.SetEventCallback(nil)
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log level %q: %w", s, pkg.ErrInvalidParam)
	}
}

func argSlot(args []string) (uint8, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("template slot required: %w", pkg.ErrInvalidParam)
	}
	slot, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil || slot < 1 || slot > device.MaxTemplates {
		return 0, fmt.Errorf("template slot %q: %w", args[0], pkg.ErrInvalidParam)
	}
	return uint8(slot), nil
}

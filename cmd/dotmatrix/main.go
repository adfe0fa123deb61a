package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"github.com/pgrandi/go-dotmatrix/dotmatrix"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/addr"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/serial"
)

func main() {
	app := cli.NewApp()
	app.Name = "dotmatrix"
	app.Description = "Headless driver for the dotmatrix Game Boy core"
	app.Usage = "dotmatrix [options] <ROM file>"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rom",
			Usage: "Path to the ROM file",
		},
		cli.IntFlag{
			Name:  "frames",
			Usage: "Number of frames to run",
			Value: 60,
		},
		cli.BoolFlag{
			Name:  "battery",
			Usage: "Load/save battery RAM next to the ROM (.sav)",
		},
		cli.StringFlag{
			Name:  "load-state",
			Usage: "Restore a save state before running",
		},
		cli.StringFlag{
			Name:  "save-state",
			Usage: "Write a save state after the run",
		},
		cli.StringFlag{
			Name:  "serial-log",
			Usage: "Capture serial port output to a file (blargg/mooneye test ROMs)",
		},
		cli.StringFlag{
			Name:  "mute",
			Usage: "Mute audio channels, comma separated (1-4)",
		},
		cli.IntFlag{
			Name:  "solo",
			Usage: "Solo a single audio channel (1-4)",
			Value: 0,
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		slog.Error("Error running emulator", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	romPath := c.String("rom")
	if romPath == "" {
		if c.NArg() > 0 {
			romPath = c.Args().Get(0)
		} else {
			cli.ShowAppHelp(c)
			return errors.New("no ROM path provided")
		}
	}

	level := slog.LevelInfo
	if c.Bool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	emu, err := dotmatrix.NewWithFile(romPath)
	if err != nil {
		return err
	}

	var serialSink *serial.LogSink
	if c.String("serial-log") != "" {
		serialSink = serial.NewLogSink(func() {
			emu.GetMMU().RequestInterrupt(addr.SerialInterrupt)
		})
		emu.SetSerialPort(serialSink)
	}

	if err := applyChannelControls(emu, c.String("mute"), c.Int("solo")); err != nil {
		return err
	}

	batteryPath := strings.TrimSuffix(romPath, filepath.Ext(romPath)) + ".sav"
	if c.Bool("battery") {
		if f, err := os.Open(batteryPath); err == nil {
			if err := emu.LoadBattery(f); err != nil && !errors.Is(err, dotmatrix.ErrNoBattery) {
				slog.Warn("Could not load battery RAM", "path", batteryPath, "error", err)
			}
			f.Close()
		}
	}

	if path := c.String("load-state"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening save state: %w", err)
		}
		defer f.Close()
		if err := emu.Restore(f); err != nil {
			return err
		}
	}

	frames := c.Int("frames")
	for i := 0; i < frames; i++ {
		emu.RunUntilFrame()
	}
	slog.Info("Run complete", "frames", frames)

	if path := c.String("serial-log"); path != "" {
		if err := os.WriteFile(path, serialSink.Captured(), 0644); err != nil {
			return fmt.Errorf("writing serial log: %w", err)
		}
		slog.Info("Serial output captured", "path", path, "bytes", len(serialSink.Captured()))
	}

	if path := c.String("save-state"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating save state: %w", err)
		}
		defer f.Close()
		if err := emu.Snapshot(f); err != nil {
			return err
		}
	}

	if c.Bool("battery") {
		if err := saveBattery(emu, batteryPath); err != nil && !errors.Is(err, dotmatrix.ErrNoBattery) {
			return err
		}
	}

	return nil
}

// applyChannelControls applies --mute and --solo to the APU debug surface.
// Channels are numbered 1-4 on the command line.
func applyChannelControls(emu *dotmatrix.Emulator, mute string, solo int) error {
	apu := emu.GetMMU().APU

	if mute != "" {
		for _, field := range strings.Split(mute, ",") {
			channel, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil || channel < 1 || channel > 4 {
				return fmt.Errorf("invalid --mute channel %q (want 1-4)", field)
			}
			apu.ToggleChannel(channel - 1)
		}
	}

	if solo != 0 {
		if solo < 1 || solo > 4 {
			return fmt.Errorf("invalid --solo channel %d (want 1-4)", solo)
		}
		apu.SoloChannel(solo - 1)
	}

	return nil
}

func saveBattery(emu *dotmatrix.Emulator, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return emu.SaveBattery(f)
}

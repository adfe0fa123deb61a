package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/urfave/cli"

	"github.com/pgrandi/go-dotmatrix/dotmatrix"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/memory"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/timing"
)

const (
	width  = 160
	height = 144

	// Terminal characters are taller than wide, so scale the width more to
	// keep an approximate aspect ratio.
	scaleX = 2
	scaleY = 1
)

// Characters to represent shades of gray, lightest to darkest: they are
// drawn white on black, so the full block is the brightest.
var shadeChars = []rune{'█', '▓', '▒', '░'}

type TerminalRenderer struct {
	screen   tcell.Screen
	emulator *dotmatrix.Emulator
	running  bool
}

func NewTerminalRenderer(emu *dotmatrix.Emulator) (*TerminalRenderer, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize terminal: %v", err)
	}
	if err := screen.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize terminal: %v", err)
	}

	return &TerminalRenderer{
		screen:   screen,
		emulator: emu,
		running:  true,
	}, nil
}

func (t *TerminalRenderer) Run() error {
	defer func() {
		slog.Info("Finishing terminal")
		t.screen.Fini()
	}()

	t.screen.SetStyle(tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite))
	t.screen.Clear()

	go t.handleInput()

	ticker := time.NewTicker(timing.FrameDuration())
	defer ticker.Stop()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	for t.running {
		select {
		case <-ticker.C:
			t.emulator.RunUntilFrame()
			t.render()
			t.screen.Show()
		case <-signals:
			t.running = false
			slog.Info("Received signal to stop")
			return nil
		}
	}

	return nil
}

// keyToJoypad maps terminal keys to the joypad matrix: arrows for the
// d-pad, Z/X for A/B, Enter for Start, Backspace for Select.
func keyToJoypad(ev *tcell.EventKey) (memory.JoypadKey, bool) {
	switch ev.Key() {
	case tcell.KeyUp:
		return memory.JoypadUp, true
	case tcell.KeyDown:
		return memory.JoypadDown, true
	case tcell.KeyLeft:
		return memory.JoypadLeft, true
	case tcell.KeyRight:
		return memory.JoypadRight, true
	case tcell.KeyEnter:
		return memory.JoypadStart, true
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		return memory.JoypadSelect, true
	case tcell.KeyRune:
		switch ev.Rune() {
		case 'z', 'Z':
			return memory.JoypadA, true
		case 'x', 'X':
			return memory.JoypadB, true
		}
	}
	return 0, false
}

func (t *TerminalRenderer) handleInput() {
	// Terminals report presses only, so fake a short hold per event.
	for t.running {
		ev := t.screen.PollEvent()
		switch ev := ev.(type) {
		case *tcell.EventKey:
			if ev.Key() == tcell.KeyEscape {
				t.running = false
				return
			}
			if key, ok := keyToJoypad(ev); ok {
				t.emulator.HandleKeyPress(key)
				go func(k memory.JoypadKey) {
					time.Sleep(100 * time.Millisecond)
					t.emulator.HandleKeyRelease(k)
				}(key)
			}
		case *tcell.EventResize:
			t.screen.Sync()
		}
	}
}

func (t *TerminalRenderer) render() {
	fb := t.emulator.GetCurrentFrame()
	frame := fb.ToSlice()

	t.screen.Clear()

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			pixel := frame[y*width+x]
			// higher channel values mean lighter pixels
			shade := (pixel >> 24) / 64
			if shade > 3 {
				shade = 3
			}

			style := tcell.StyleDefault.Foreground(tcell.ColorWhite)
			char := shadeChars[3-shade]

			screenX := x * scaleX
			screenY := y * scaleY
			for sx := 0; sx < scaleX; sx++ {
				t.screen.SetContent(screenX+sx, screenY, char, nil, style)
			}
		}
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "dotmatrix"
	app.Description = "A Game Boy (DMG/CGB) emulator for the terminal"
	app.Usage = "dotmatrix [options] <ROM file>"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rom",
			Usage: "Path to the ROM file",
		},
	}
	app.Action = runEmulator

	err := app.Run(os.Args)
	if err != nil {
		slog.Error("Error running emulator", "error", err)
		os.Exit(1)
	}
}

func runEmulator(c *cli.Context) error {
	romPath := c.String("rom")
	if romPath == "" {
		if c.NArg() > 0 {
			romPath = c.Args().Get(0)
		} else {
			cli.ShowAppHelp(c)
			return errors.New("no ROM path provided")
		}
	}

	emu, err := dotmatrix.NewWithFile(romPath)
	if err != nil {
		return err
	}
	emu.SetFrameLimiter(timing.NewFixedLimiter())

	renderer, err := NewTerminalRenderer(emu)
	if err != nil {
		return err
	}

	return renderer.Run()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/ini.v1"

	"vigiliahub/backend"
	"vigiliahub/gpio"
	"vigiliahub/hw"
	"vigiliahub/unitcache"
)

func main() {
	cmd := &cli.Command{
		Name:  "vigilia-hub",
		Usage: "Intercom hub routing dialed units to the AI concierge or the analog exchange",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "settings.ini",
				Usage:   "settings ini file",
				Sources: cli.EnvVars("VIGILIA_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "env-file",
				Value:   ".env",
				Usage:   "optional KEY=VALUE file with HUB_SECRET and DEBUG_OPENAI_KEY",
				Sources: cli.EnvVars("VIGILIA_ENV_FILE"),
			},
		},
		Action: runHub,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the hub until interrupted",
				Action: runHub,
			},
			{
				Name:      "dial",
				Usage:     "run the hub, route one unit as if dialed, and exit when the call ends",
				ArgsUsage: "<unit>",
				Action:    dialUnit,
			},
			{
				Name:   "keypad-test",
				Usage:  "print scanned keys and the hook switch state",
				Action: keypadTest,
			},
			{
				Name:  "relay-test",
				Usage: "arm the interception relays, hold, then release them",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "hold", Value: 2 * time.Second, Usage: "time to keep the line armed"},
				},
				Action: relayTest,
			},
			{
				Name:   "units",
				Usage:  "sync and print the AI-enabled unit cache",
				Action: listUnits,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// setup loads the env file, settings and logging shared by every command.
func setup(c *cli.Command) (*Settings, error) {
	if err := LoadEnv(c.String("env-file")); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	cfg, err := ini.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	settings, err := LoadSettings(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := initLogging(cfg); err != nil {
		return nil, fmt.Errorf("failed to init logging: %w", err)
	}
	coreLog.Infof("settings loaded from %s", c.String("config"))
	return settings, nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func runHub(ctx context.Context, c *cli.Command) error {
	settings, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLogging()

	hub, err := NewHub(settings, os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	ctx, stop := signalContext(ctx)
	defer stop()

	err = hub.Run(ctx)
	coreLog.Info("performing a graceful shutdown...")
	return err
}

func dialUnit(ctx context.Context, c *cli.Command) error {
	unit := c.Args().First()
	if unit == "" {
		return errors.New("usage: vigilia-hub dial <unit>")
	}
	settings, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLogging()

	hub, err := NewHub(settings, os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	ctx, stop := signalContext(ctx)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	if err := hub.Dial(ctx, unit); err != nil {
		cancel()
		<-done
		return fmt.Errorf("dial %s: %w", unit, err)
	}
	if err := hub.waitIdle(ctx); err == nil {
		coreLog.Infof("call to %s finished", unit)
	}
	cancel()
	return <-done
}

func keypadTest(ctx context.Context, c *cli.Command) error {
	settings, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLogging()

	bank := openBank(settings)
	keypad, hook, err := openInputs(settings, bank, os.Stdin)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(ctx)
	defer stop()

	fmt.Printf("scanning keypad (gpio %s), Ctrl+C to stop\n", bank.Mode())
	ticker := time.NewTicker(settings.Router().ScanInterval)
	defer ticker.Stop()
	hungUp := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if key, ok := keypad.Scan(); ok {
			fmt.Printf("key %c\n", key)
		}
		if h := hook.HangupDetected(); h != hungUp {
			hungUp = h
			fmt.Printf("handset hung up: %t\n", h)
		}
	}
}

func relayTest(ctx context.Context, c *cli.Command) error {
	settings, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLogging()

	bank := openBank(settings)
	if bank.Mode() == gpio.Simulated {
		fmt.Println("gpio simulated, relays will not move")
	}
	line, err := hw.NewLineInterceptor(bank, settings.Interceptor(), hwLog)
	if err != nil {
		return err
	}
	defer line.Close()

	ctx, stop := signalContext(ctx)
	defer stop()

	if err := line.Arm(ctx); err != nil {
		return fmt.Errorf("arm: %w", err)
	}
	fmt.Printf("line armed, holding %s\n", c.Duration("hold"))
	select {
	case <-time.After(c.Duration("hold")):
	case <-ctx.Done():
	}
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := line.Disarm(dctx); err != nil {
		return fmt.Errorf("disarm: %w", err)
	}
	fmt.Println("line released")
	return nil
}

func listUnits(ctx context.Context, c *cli.Command) error {
	settings, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLogging()
	if err := settings.RequireBackend(); err != nil {
		return err
	}

	hostIP, _ := hostAddress(settings.BackendURL())
	client := backend.NewClient(settings.Backend(hostIP), nil, backendLog)
	cache := unitcache.New(settings.CacheFile(), client, coreLog)
	if err := cache.Initialize(ctx); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tAI\tFAMILY\tLAST SYNC")
	for _, u := range cache.Units() {
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", u.HouseNumber, u.HasAI, u.FamilyID, u.LastSync)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if last := cache.LastSync(); !last.IsZero() {
		fmt.Printf("last sync %s\n", last.Format(time.RFC3339))
	}
	return nil
}

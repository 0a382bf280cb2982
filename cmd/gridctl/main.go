// Command gridctl runs the grid-interactive battery controller: it owns the
// Modbus RTU bus, the self-consumption/emergency/watchdog control loops,
// the four DSO/trading ScheduledServices, and (optionally) the read-only
// status dashboard. Grounded on the teacher's main.go CLI shape (flag
// package, -config/-help, signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/devskill-org/gridctl/busio"
	"github.com/devskill-org/gridctl/config"
	"github.com/devskill-org/gridctl/control"
	"github.com/devskill-org/gridctl/flags"
	"github.com/devskill-org/gridctl/gridsched"
	"github.com/devskill-org/gridctl/inbox"
	"github.com/devskill-org/gridctl/snapshot"
	"github.com/devskill-org/gridctl/web"
)

func main() {
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	watcher, err := config.NewWatcher(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}
	cfg := watcher.Current()

	logger := log.New(os.Stdout, "", log.LstdFlags)
	logger.Printf("[MAIN] starting gridctl with serial device %s at %d baud", cfg.SerialDevice, cfg.BaudRate)

	snap := snapshot.New()
	box := inbox.New()
	flagStore := flags.New(flags.Paths{
		Guardrail:     filepath.Join(cfg.BasePath, cfg.GuardrailPath),
		ServiceStatus: filepath.Join(cfg.BasePath, cfg.ServiceStatusPath),
		Debito:        filepath.Join(cfg.BasePath, cfg.DebitoPath),
		MachineAlarm:  filepath.Join(cfg.BasePath, cfg.MachineAlarmPath),
		Sharing:       filepath.Join(cfg.BasePath, cfg.SharingPath),
	}, log.New(os.Stdout, "", log.LstdFlags))

	readSet := buildReadSet(cfg)
	bus := busio.New(cfg, readSet, snap, box, log.New(os.Stdout, "", log.LstdFlags))

	toSource := inbox.NewWatcher(filepath.Join(cfg.BasePath, cfg.ToSourcePath), cfg.ToSourcePollInterval, box, log.New(os.Stdout, "", log.LstdFlags))

	selfCons := control.NewSelfConsumptionController(cfg, snap, flagStore, box, log.New(os.Stdout, "", log.LstdFlags))
	battery := control.NewBatteryController(cfg, snap, flagStore, box, log.New(os.Stdout, "", log.LstdFlags))
	watchdog := control.NewMachineResetWatchdog(cfg, snap, flagStore, box, log.New(os.Stdout, "", log.LstdFlags))

	services, err := buildScheduledServices(cfg, snap, flagStore, box)
	if err != nil {
		fmt.Println("Error building scheduled services:", err)
		os.Exit(1)
	}
	activateDueService(services, logger)

	sched := gridsched.New(cfg, watcher, log.New(os.Stdout, "", log.LstdFlags))
	sched.AddPeriodic("selfcons", selfCons, cfg.SelfConsumptionPeriod)
	sched.AddPeriodic("battery", battery, cfg.BatteryPeriod)
	sched.AddPeriodic("watchdog", watchdog, cfg.WatchdogPeriod)
	for _, s := range services {
		sched.AddGatedPeriodic(s.name, s.ticker, cfg.ServicePeriod, s.active)
	}

	dash := web.New(web.StatusSource{Snapshot: snap, Flags: flagStore, Cfg: cfg}, cfg.DashboardPort, log.New(os.Stdout, "", log.LstdFlags))
	dash.Start()

	// bus and dash run on their own goroutines, outside the scheduler's
	// single dispatch loop, so they must be pushed reloaded configuration
	// explicitly rather than re-reading the watcher's pointer directly.
	sched.AddReloader(bus)
	sched.AddReloader(dash)
	sched.AddReloader(selfCons)
	sched.AddReloader(battery)
	sched.AddReloader(watchdog)
	for _, s := range services {
		if r, ok := s.ticker.(gridsched.ConfigReloader); ok {
			sched.AddReloader(r)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := bus.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("[MAIN] bus error: %v", err)
		}
	}()
	go toSource.Run(ctx)
	go sched.Run(ctx)

	logger.Printf("[MAIN] gridctl started, press Ctrl+C to stop")
	<-sigChan
	logger.Printf("[MAIN] shutdown signal received, stopping")

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.SerialTimeout)
	defer stopCancel()
	if err := dash.Stop(stopCtx); err != nil {
		logger.Printf("[MAIN] dashboard shutdown error: %v", err)
	}

	flagStore.Clear()
	logger.Printf("[MAIN] gridctl stopped")
}

// buildReadSet collects the register addresses the bus must poll every
// cycle: the fixed control-relevant registers plus any configured extras.
func buildReadSet(cfg *config.Config) []int {
	base := []int{1013, 1040, 1060, 1070, 1090}
	return append(base, cfg.ExtraReads...)
}

type scheduledService struct {
	name   string
	ticker gridsched.Ticker
	active func() bool
	start  func()
}

// buildScheduledServices constructs each of the four DSO/trading FSMs whose
// program list has an auto-mode program listing today (see
// control.FindProgramForToday). Manual-mode programs get no instance.
func buildScheduledServices(cfg *config.Config, snap *snapshot.TelemetrySnapshot, flagStore *flags.Store, box *inbox.CommandInbox) ([]scheduledService, error) {
	var out []scheduledService

	today := control.TodayISO(time.Now())

	if p := control.FindProgramForToday(cfg.DSOChargePrograms, today); p != nil {
		svc, err := control.NewDSOChargeService(cfg, *p, snap, flagStore, box, log.New(os.Stdout, "", log.LstdFlags))
		if err != nil {
			return nil, fmt.Errorf("dso charge service: %w", err)
		}
		out = append(out, scheduledService{name: "dso_charge", ticker: svc, active: svc.Active, start: svc.Start})
	}
	if p := control.FindProgramForToday(cfg.DSODischargePrograms, today); p != nil {
		svc, err := control.NewDSODischargeService(cfg, *p, snap, flagStore, box, log.New(os.Stdout, "", log.LstdFlags))
		if err != nil {
			return nil, fmt.Errorf("dso discharge service: %w", err)
		}
		out = append(out, scheduledService{name: "dso_discharge", ticker: svc, active: svc.Active, start: svc.Start})
	}
	if p := control.FindProgramForToday(cfg.TradingDischargePrograms, today); p != nil {
		svc, err := control.NewTradingDischargeService(cfg, *p, snap, flagStore, box, log.New(os.Stdout, "", log.LstdFlags))
		if err != nil {
			return nil, fmt.Errorf("trading discharge service: %w", err)
		}
		out = append(out, scheduledService{name: "trading_discharge", ticker: svc, active: svc.Active, start: svc.Start})
	}
	if p := control.FindProgramForToday(cfg.TradingChargePrograms, today); p != nil {
		svc, err := control.NewTradingChargeService(cfg, *p, snap, flagStore, box, log.New(os.Stdout, "", log.LstdFlags))
		if err != nil {
			return nil, fmt.Errorf("trading charge service: %w", err)
		}
		out = append(out, scheduledService{name: "trading_charge", ticker: svc, active: svc.Active, start: svc.Start})
	}

	return out, nil
}

// activateDueService runs the startup activation scan: at most one of the
// four services claims service_active, in fixed priority order
// (DSO-charge, DSO-discharge, trading-discharge, trading-charge).
func activateDueService(services []scheduledService, logger *log.Logger) {
	for _, s := range services {
		s.start()
		logger.Printf("[MAIN] activated scheduled service %s", s.name)
		return
	}
}

func showHelp() {
	fmt.Println("gridctl - grid-interactive battery controller")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Owns a Modbus RTU bus to a hybrid inverter, holds the grid-exchange")
	fmt.Println("  sensor near balance via self-consumption control, runs an emergency")
	fmt.Println("  low-SOC charge guard, a machine-fault reset watchdog, and DSO/trading")
	fmt.Println("  scheduled charge and discharge events.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  gridctl [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  gridctl -config=config.json")
	fmt.Println("  gridctl -help")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/hjkoskel/timekeeper"
	"github.com/hjkoskel/timekeeper/timesync"
	"github.com/hjkoskel/timekeeper/tui"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var (
	settingsFile string
	stateDir     string
	auditDir     string
	logLevel     string
)

func main() {
	app := cli.NewApp()
	app.Name = "timekeeper"
	app.Usage = "monitor clock offset against NTP servers and correct local clock"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "settings file, default is settings.yaml under state dir",
			EnvVars:     []string{"TIMEKEEPER_CONFIG"},
			Destination: &settingsFile,
		},
		&cli.StringFlag{
			Name:        "state-dir",
			Value:       timekeeper.DEFAULTSTATEDIR,
			Usage:       "directory for settings and status snapshot",
			EnvVars:     []string{"TIMEKEEPER_STATE_DIR"},
			Destination: &stateDir,
		},
		&cli.StringFlag{
			Name:        "log-dir",
			Value:       timekeeper.DEFAULTAUDITDIR,
			Usage:       "directory for daily audit logs",
			EnvVars:     []string{"TIMEKEEPER_LOG_DIR"},
			Destination: &auditDir,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Value:       "info",
			Usage:       "logging level (trace, debug, info, warn, error)",
			EnvVars:     []string{"TIMEKEEPER_LOG_LEVEL"},
			Destination: &logLevel,
		},
	}
	app.Commands = []*cli.Command{
		runCommand,
		checkCommand,
		offsetCommand,
		configCommand,
		clockStatusCommand,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func settingsPath() string {
	if settingsFile != "" {
		return settingsFile
	}
	return filepath.Join(stateDir, timekeeper.DEFAULTSETTINGSFILE)
}

func newLogger(out io.Writer) *logrus.Logger {
	return timekeeper.NewLogger(logLevel, out)
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "start monitoring and keep running until interrupted",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "tui",
			Usage: "show terminal status view",
		},
	},
	Action: runMonitor,
}

func runMonitor(c *cli.Context) error {
	useTui := c.Bool("tui")
	log := newLogger(os.Stderr)
	if useTui {
		if err := os.MkdirAll(auditDir, 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(auditDir, "timekeeper.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		log.SetOutput(f)
	}

	var view atomic.Pointer[tui.StatusView]
	notifier := timekeeper.NotifierFuncs{
		OnStatuses: func(statuses []timekeeper.ServerStatus) {
			if v := view.Load(); v != nil {
				v.StatusesChanged(statuses)
			}
		},
		OnOutcome: func(outcome timekeeper.SyncOutcome) {
			if v := view.Load(); v != nil {
				v.CycleCompleted(outcome)
				return
			}
			log.WithFields(logrus.Fields{"cycle": outcome.CycleID, "outcome": outcome.Kind.String()}).Debug("cycle outcome")
		},
	}

	monitor, err := timekeeper.CreateDefaultMonitor(timekeeper.DefaultConfig{
		SettingsFile: settingsPath(),
		StateDir:     stateDir,
		AuditDir:     auditDir,
		Notifier:     notifier,
		Log:          log,
	})
	if err != nil {
		return err
	}
	defer monitor.Close()

	if !monitor.Start() {
		st := monitor.State()
		return cli.Exit(fmt.Sprintf("%s %v %s", st.StatusMessage, st.SlotErrors, st.IntervalError), 2)
	}

	if !useTui {
		<-c.Context.Done()
		log.Info("shutting down")
		return nil
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	v := tui.NewStatusView(monitor)
	view.Store(v)
	go func() {
		select {
		case <-v.QuitChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	return v.Run(ctx)
}

var checkCommand = &cli.Command{
	Name:   "check",
	Usage:  "run one check cycle over configured servers and print results",
	Action: checkOnce,
}

func checkOnce(c *cli.Context) error {
	monitor, err := timekeeper.CreateDefaultMonitor(timekeeper.DefaultConfig{
		SettingsFile: settingsPath(),
		StateDir:     stateDir,
		AuditDir:     auditDir,
		Log:          newLogger(os.Stderr),
	})
	if err != nil {
		return err
	}
	defer monitor.Close()

	monitor.SyncNow(c.Context)
	st := monitor.State()
	fmt.Print(tui.FormatStatusTable(st.Statuses))
	fmt.Println(st.StatusMessage)
	for _, w := range tui.Warnings(st) {
		fmt.Println(w)
	}
	if st.GlobalWarning != "" {
		return cli.Exit("", 1)
	}
	return nil
}

var offsetCommand = &cli.Command{
	Name:   "offset",
	Usage:  "print offset from first answering configured server",
	Action: printOffset,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "shuffle",
			Usage: "try servers in random order",
		},
	},
}

func printOffset(c *cli.Context) error {
	store := &timekeeper.FileSettingsStore{Path: settingsPath(), Log: newLogger(os.Stderr)}
	s := store.Load()
	client, err := timekeeper.QuerierForProtocol(s.Protocol)
	if err != nil {
		return err
	}
	ntpSync := timesync.NtpSync{
		Servers:      s.Servers,
		QueryTimeout: s.QueryTimeout(),
		Shuffle:      c.Bool("shuffle"),
		Client:       client,
	}
	offset, err := ntpSync.GetOffset(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("%+.6f\n", timekeeper.RoundOffset(offset))
	return nil
}

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "show or edit settings, invalid hostnames are saved and reported, invalid interval is rejected",
	Subcommands: []*cli.Command{
		{
			Name:   "show",
			Usage:  "print current settings",
			Action: showConfig,
		},
		{
			Name:      "set-server",
			Usage:     "set hostname of server slot, empty hostname clears slot",
			ArgsUsage: "<index> [hostname]",
			Action:    setServer,
		},
		{
			Name:      "set-interval",
			Usage:     "set check interval in seconds",
			ArgsUsage: "<seconds>",
			Action:    setInterval,
		},
		{
			Name:      "first-responder",
			Usage:     "stop each cycle at first answering server",
			ArgsUsage: "<true|false>",
			Action:    setFirstResponder,
		},
	},
}

//settingsMonitor gives monitor for editing settings only, no audit or snapshot
func settingsMonitor() (*timekeeper.Monitor, error) {
	log := newLogger(os.Stderr)
	monitor := timekeeper.NewMonitor(timekeeper.Options{
		Settings: &timekeeper.FileSettingsStore{Path: settingsPath(), Log: log.WithField("module", "settings")},
		Log:      log,
	})
	if err := monitor.Initialize(); err != nil {
		return nil, err
	}
	return monitor, nil
}

func showConfig(c *cli.Context) error {
	monitor, err := settingsMonitor()
	if err != nil {
		return err
	}
	defer monitor.Close()
	data, err := yaml.Marshal(monitor.Settings())
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	st := monitor.State()
	for i, e := range st.SlotErrors {
		if e != "" {
			fmt.Printf("# slot %d: %s\n", i, e)
		}
	}
	return nil
}

func setServer(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("slot index required", 2)
	}
	index, err := strconv.Atoi(c.Args().Get(0))
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid slot index %q", c.Args().Get(0)), 2)
	}
	monitor, err := settingsMonitor()
	if err != nil {
		return err
	}
	defer monitor.Close()
	err = monitor.SetSlotHostname(index, c.Args().Get(1))
	if errors.Is(err, timekeeper.ErrValidation) || errors.Is(err, timekeeper.ErrSlotIndex) {
		return cli.Exit(err.Error(), 2)
	}
	return err
}

func setInterval(c *cli.Context) error {
	seconds, err := strconv.Atoi(c.Args().First())
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid interval %q", c.Args().First()), 2)
	}
	monitor, err := settingsMonitor()
	if err != nil {
		return err
	}
	defer monitor.Close()
	err = monitor.SetInterval(seconds)
	if errors.Is(err, timekeeper.ErrValidation) {
		return cli.Exit(err.Error(), 2)
	}
	return err
}

func setFirstResponder(c *cli.Context) error {
	enabled, err := strconv.ParseBool(c.Args().First())
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid value %q", c.Args().First()), 2)
	}
	monitor, err := settingsMonitor()
	if err != nil {
		return err
	}
	defer monitor.Close()
	return monitor.SetFirstResponder(enabled)
}

var clockStatusCommand = &cli.Command{
	Name:  "clock-status",
	Usage: "print kernel clock synchronization state",
	Action: func(c *cli.Context) error {
		synced, err := timekeeper.KernelClockSynced()
		if err != nil {
			return err
		}
		if synced {
			fmt.Println("kernel clock synchronized")
			return nil
		}
		fmt.Println("kernel clock not synchronized")
		return cli.Exit("", 1)
	},
}

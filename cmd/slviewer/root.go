/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/hippolib/slviewer/agent"
	"github.com/hippolib/slviewer/capability"
	"github.com/hippolib/slviewer/circuit"
	"github.com/hippolib/slviewer/config"
	"github.com/hippolib/slviewer/eventqueue"
	"github.com/hippolib/slviewer/simulator"
	"github.com/hippolib/slviewer/stats"
	"github.com/hippolib/slviewer/template"
)

// RootCmd is the slviewer entry point, grounded on calnex/cmd/cmd.go's
// RootCmd/Execute split.
var RootCmd = &cobra.Command{
	Use:   "slviewer",
	Short: "a headless Second Life / OpenSimulator viewer session client",
}

var (
	verboseFlag        bool
	configFlag         string
	loginFileFlag      string
	loginURIFlag       string
	firstNameFlag      string
	lastNameFlag       string
	monitoringPortFlag int
	dscpFlag           int
	templatePathFlag   string
	pprofFlag          string
)

func init() {
	RootCmd.AddCommand(connectCmd)

	connectCmd.Flags().BoolVar(&verboseFlag, "verbose", false, "verbose output")
	connectCmd.Flags().StringVar(&configFlag, "config", "", "path to the YAML config")
	connectCmd.Flags().StringVar(&loginFileFlag, "login-file", "", "path to a YAML file containing a completed login result (stand-in for the external login handshake)")
	connectCmd.Flags().StringVar(&loginURIFlag, "login-uri", "", "login endpoint URI, recorded in config only")
	connectCmd.Flags().StringVar(&firstNameFlag, "first-name", "", "avatar first name")
	connectCmd.Flags().StringVar(&lastNameFlag, "last-name", "", "avatar last name")
	connectCmd.Flags().IntVar(&monitoringPortFlag, "monitoring-port", 4269, "port to serve JSON stats on; Prometheus metrics are served on the next port")
	connectCmd.Flags().IntVar(&dscpFlag, "dscp", 0, "DSCP for viewer UDP packets, valid values are 0-63")
	connectCmd.Flags().StringVar(&templatePathFlag, "template", "", "path to a message template schema file; empty keeps the embedded default")
	connectCmd.Flags().StringVar(&pprofFlag, "pprof", "", "address to have the profiler listen on, disabled if empty")
	if err := connectCmd.MarkFlagRequired("login-file"); err != nil {
		log.Fatal(err)
	}
}

// Execute is the main entry point for the CLI, per calnex/cmd/cmd.go.
func Execute() {
	log.SetLevel(log.InfoLevel)
	if err := RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "log in and hold an agent session open",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if verboseFlag {
			log.SetLevel(log.DebugLevel)
		}

		setFlags := map[string]bool{}
		cmd.Flags().Visit(func(f *pflag.Flag) { setFlags[f.Name] = true })

		cfg, err := config.PrepareConfig(configFlag, loginURIFlag, firstNameFlag, lastNameFlag, monitoringPortFlag, dscpFlag, setFlags)
		if err != nil {
			return fmt.Errorf("preparing config: %w", err)
		}
		cfg.Template.Path = templatePathFlag

		if pprofFlag != "" {
			go func() {
				if err := http.ListenAndServe(pprofFlag, nil); err != nil {
					log.Errorf("failed to start pprof: %v", err)
				}
			}()
		}

		return doWork(cmd.Context(), cfg, loginFileFlag)
	},
}

func doWork(ctx context.Context, cfg *config.Config, loginFile string) error {
	tmpl, err := loadTemplate(cfg.Template.Path)
	if err != nil {
		return fmt.Errorf("loading message template: %w", err)
	}

	st, err := stats.New()
	if err != nil {
		return fmt.Errorf("initializing stats: %w", err)
	}
	go stats.NewJSONStats(st).Start(cfg.MonitoringPort, cfg.StatsInterval)
	go stats.NewPrometheusExporter(st, cfg.MonitoringPort+1, cfg.StatsInterval).Start()

	circCfg := circuit.Config{MaxAttempts: cfg.Circuit.MaxAttempts, DSCP: cfg.Circuit.DSCP, Stats: st}

	a := agent.New(tmpl, capability.Default, circCfg, agent.Listener{
		OnMessage: func(_ *simulator.Simulator, m *template.Message) {
			log.Debugf("message: %s", m.Name())
		},
		OnEvent: func(_ *simulator.Simulator, ev eventqueue.Event) {
			log.Debugf("queue event: %s", ev.Message)
		},
		OnLogout: func() { log.Info("logged out") },
		OnKicked: func(reason string) { log.Warningf("kicked: %s", reason) },
	})

	resolver := newFileResolver(loginFile)
	res, err := resolver.Login(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := a.Login(ctx, res); err != nil {
		return fmt.Errorf("agent login: %w", err)
	}

	go notifyReadyOnHandshake(ctx, a)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("signal received, shutting down")
		cancel()
	}()

	go printStatusPeriodically(runCtx, a)

	return a.Run(runCtx)
}

// notifyReadyOnHandshake polls for the parent Simulator's RegionHandshake
// to complete (its name becomes non-empty) and then notifies systemd,
// per SPEC_FULL.md §9.
func notifyReadyOnHandshake(ctx context.Context, a *agent.Agent) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if parent := a.Parent(); parent != nil && parent.Name() != "" {
				if err := sdNotifyReady(); err != nil {
					log.Warningf("sd_notify: %v", err)
				}
				return
			}
		}
	}
}

func loadTemplate(path string) (*template.Template, error) {
	if path == "" {
		return template.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return template.Parse(f)
}

// printStatusPeriodically renders a one-line-per-simulator status table
// every 10s, grounded on the teacher's tablewriter usage for CLI status
// output.
func printStatusPeriodically(ctx context.Context, a *agent.Agent) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStatus(a)
		}
	}
}

func printStatus(a *agent.Agent) {
	// Color escapes only help on an interactive terminal; a redirected
	// log file should get plain "yes"/"no" instead, per sa53fw/main.go's
	// term.IsTerminal gate.
	isTTY := term.IsTerminal(int(os.Stdout.Fd()))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Address", "Name", "Parent", "Last Message"})
	for _, sim := range a.Simulators() {
		parentCell := "no"
		if sim.IsParent() {
			parentCell = "yes"
			if isTTY {
				parentCell = color.GreenString("yes")
			}
		}
		table.Append([]string{sim.Address().String(), sim.Name(), parentCell, sim.LastMessage().Format(time.RFC3339)})
	}
	table.Render()
}

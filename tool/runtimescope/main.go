/*
 * RuntimeScope
 * Copyright (C) 2025  RuntimeScope, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Command runtimescope runs the telemetry collector and inspects a running
// one.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"

	runtimescope "github.com/runtimescope/runtimescope"
	"github.com/runtimescope/runtimescope/lib/asciitable"
	"github.com/runtimescope/runtimescope/lib/client"
	"github.com/runtimescope/runtimescope/lib/defaults"
	"github.com/runtimescope/runtimescope/lib/service"
	logutils "github.com/runtimescope/runtimescope/lib/utils/log"
)

// cliConf collects command line flag values.
type cliConf struct {
	debug      bool
	dataDir    string
	ingestPort int
	httpPort   int
	bufferSize int
	diagAddr   string
	// addr is the HTTP address of a running collector, used by the
	// inspection commands.
	addr string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	var conf cliConf
	defaultAddr := net.JoinHostPort(defaults.ListenHost, strconv.Itoa(defaults.HTTPPort))

	app := kingpin.New("runtimescope", "RuntimeScope collects runtime telemetry from instrumented applications during development.")
	app.HelpFlag.Short('h')
	app.Flag("debug", "Enable verbose logging").Short('d').BoolVar(&conf.debug)

	startCmd := app.Command("start", "Start the collector.")
	startCmd.Flag("port", "Ingest port for SDK connections.").IntVar(&conf.ingestPort)
	startCmd.Flag("http-port", "Port of the HTTP query API.").IntVar(&conf.httpPort)
	startCmd.Flag("buffer-size", "Capacity of the in-memory event buffer.").IntVar(&conf.bufferSize)
	startCmd.Flag("data-dir", "Collector state directory, ~/.runtimescope by default.").StringVar(&conf.dataDir)
	startCmd.Flag("diag-addr", "Serve diagnostics (Prometheus metrics, pprof) on this address.").StringVar(&conf.diagAddr)

	versionCmd := app.Command("version", "Print the version of this binary.")

	statusCmd := app.Command("status", "Report the health of a running collector.")
	statusCmd.Flag("addr", "HTTP address of the collector.").Default(defaultAddr).StringVar(&conf.addr)

	sessionsCmd := app.Command("sessions", "List the sessions a running collector knows about.")
	sessionsCmd.Flag("addr", "HTTP address of the collector.").Default(defaultAddr).StringVar(&conf.addr)

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}
	logutils.InitLogger(conf.debug)

	switch command {
	case startCmd.FullCommand():
		return onStart(conf)
	case versionCmd.FullCommand():
		return onVersion()
	case statusCmd.FullCommand():
		return onStatus(conf)
	case sessionsCmd.FullCommand():
		return onSessions(conf)
	}
	// Only reachable when a command above has no switch case.
	return trace.BadParameter("command %q not configured", command)
}

// onStart runs the collector until an interrupt or termination signal.
// Flags beat environment variables, which beat the on-disk config.
func onStart(conf cliConf) error {
	cfg := service.Config{
		RootDir:  conf.dataDir,
		DiagAddr: conf.diagAddr,
	}
	if err := cfg.ParseEnv(); err != nil {
		return trace.Wrap(err)
	}
	if conf.ingestPort != 0 {
		cfg.IngestPort = conf.ingestPort
	}
	if conf.httpPort != 0 {
		cfg.HTTPPort = conf.httpPort
	}
	if conf.bufferSize != 0 {
		cfg.BufferSize = conf.bufferSize
	}
	if conf.debug {
		cfg.Debug = true
	}
	logutils.InitLogger(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return trace.Wrap(service.Run(ctx, cfg))
}

func onVersion() error {
	if runtimescope.Gitref != "" {
		fmt.Printf("RuntimeScope v%v git:%v %v\n", runtimescope.Version, runtimescope.Gitref, runtime.Version())
		return nil
	}
	fmt.Printf("RuntimeScope v%v %v\n", runtimescope.Version, runtime.Version())
	return nil
}

func onStatus(conf cliConf) error {
	clt, err := client.New(conf.addr)
	if err != nil {
		return trace.Wrap(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	health, err := clt.Health(ctx)
	if err != nil {
		if trace.IsConnectionProblem(err) {
			return trace.ConnectionProblem(err, "no collector is reachable at %v", conf.addr)
		}
		return trace.Wrap(err)
	}
	fmt.Printf("Collector at %v is %v, server time %v\n",
		conf.addr, health.Status, time.UnixMilli(health.Timestamp).UTC().Format(time.RFC3339))
	return nil
}

func onSessions(conf cliConf) error {
	clt, err := client.New(conf.addr)
	if err != nil {
		return trace.Wrap(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessions, err := clt.Sessions(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	table := asciitable.MakeTable([]string{"Session ID", "App", "Status", "Connected", "Events", "SDK"})
	for _, s := range sessions {
		status := "disconnected"
		if s.IsConnected {
			status = "connected"
		}
		table.AddRow([]string{
			s.SessionID,
			s.AppName,
			status,
			humanize.Time(time.UnixMilli(s.ConnectedAt)),
			humanize.Comma(s.EventCount),
			s.SDKVersion,
		})
	}
	table.SortRowsBy(1, 0)
	fmt.Print(table.AsBuffer().String())
	return nil
}

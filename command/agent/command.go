// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"
	"github.com/mattn/go-isatty"
	"github.com/posener/complete"

	"github.com/hashicorp/sentinel/version"
)

// gracefulTimeout controls how long we wait before forcefully terminating
const gracefulTimeout = 5 * time.Second

// Command is a Command implementation that runs a Sentinel agent. The command
// will not end unless a shutdown message is sent on the ShutdownCh.
type Command struct {
	Ui         cli.Ui
	ShutdownCh <-chan struct{}

	args  []string
	agent *Agent
	http  *HTTPServer

	logger hclog.InterceptLogger
}

func (c *Command) readConfig() *Config {
	var devMode bool
	var configPaths []string

	// cmdConfig holds the flag overrides
	cmdConfig := &Config{
		Ports:     &Ports{},
		Server:    &ServerConfig{},
		Telemetry: &Telemetry{},
	}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }

	flags.BoolVar(&devMode, "dev", false, "")
	flags.Var((*flagStringSlice)(&configPaths), "config", "config")
	flags.StringVar(&cmdConfig.BindAddr, "bind", "", "")
	flags.StringVar(&cmdConfig.DataDir, "data-dir", "", "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJson, "log-json", false, "")

	if err := flags.Parse(c.args); err != nil {
		return nil
	}

	config := DefaultConfig()
	if devMode {
		config = DevConfig()
	}

	for _, path := range configPaths {
		current, err := LoadConfig(path)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading configuration from %s: %s", path, err))
			return nil
		}
		config = config.Merge(current)
	}

	config = config.Merge(cmdConfig)
	config.Version = version.GetVersion()

	if !config.DevMode && config.DataDir == "" {
		c.Ui.Error("Must specify data directory")
		return nil
	}
	if config.DataDir != "" {
		abs, err := filepath.Abs(config.DataDir)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error resolving data directory: %s", err))
			return nil
		}
		config.DataDir = abs
	}

	return config
}

// setupLoggers is used to set up logging for the agent.
func (c *Command) setupLoggers(config *Config) error {
	logLevel := strings.ToUpper(config.LogLevel)
	if hclog.LevelFromString(logLevel) == hclog.NoLevel {
		return fmt.Errorf("unknown log level: %s", config.LogLevel)
	}

	c.logger = hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       "agent",
		Level:      hclog.LevelFromString(logLevel),
		Output:     os.Stderr,
		JSONFormat: config.LogJson,
		Color:      colorOption(config),
	})
	return nil
}

func colorOption(config *Config) hclog.ColorOption {
	if config.LogJson || !isatty.IsTerminal(os.Stderr.Fd()) {
		return hclog.ColorOff
	}
	return hclog.AutoColor
}

func (c *Command) Run(args []string) int {
	c.Ui = &cli.PrefixedUi{
		OutputPrefix: "==> ",
		InfoPrefix:   "    ",
		ErrorPrefix:  "==> ",
		Ui:           c.Ui,
	}

	c.args = args
	config := c.readConfig()
	if config == nil {
		return 1
	}

	if err := c.setupLoggers(config); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	// Create the agent and the HTTP server
	agent, err := NewAgent(config, c.logger, os.Stderr)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}
	c.agent = agent

	httpServer, err := NewHTTPServer(agent, config)
	if err != nil {
		agent.Shutdown()
		c.Ui.Error(fmt.Sprintf("Error starting http server: %s", err))
		return 1
	}
	c.http = httpServer

	defer func() {
		c.http.Shutdown()
		c.agent.Shutdown()
	}()

	// Compute the startup banner
	info := map[string]string{
		"version":   config.Version.FullVersionNumber(true),
		"bind addr": httpServer.Addr,
		"log level": config.LogLevel,
		"data dir":  config.DataDir,
	}
	if config.DevMode {
		info["mode"] = "dev (state is not persisted)"
	}

	padding := 0
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
		if len(k) > padding {
			padding = len(k)
		}
	}
	sort.Strings(keys)

	c.Ui.Output("Sentinel agent configuration:\n")
	for _, k := range keys {
		c.Ui.Info(fmt.Sprintf("%s%s: %s", strings.Repeat(" ", padding-len(k)), k, info[k]))
	}
	c.Ui.Output("")
	c.Ui.Output("Sentinel agent started! Log data will stream in below:\n")

	return c.handleSignals()
}

// handleSignals blocks until we get an exit-causing signal
func (c *Command) handleSignals() int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		var sig os.Signal
		select {
		case s := <-signalCh:
			sig = s
		case <-c.ShutdownCh:
			sig = os.Interrupt
		}

		c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))

		// Skip SIGHUP; there is no reloadable configuration yet, but the
		// signal should not kill the agent.
		if sig == syscall.SIGHUP {
			continue
		}

		// Attempt a graceful leave
		gracefulCh := make(chan struct{})
		c.Ui.Output("Gracefully shutting down agent...")
		go func() {
			if err := c.agent.Shutdown(); err != nil {
				c.Ui.Error(fmt.Sprintf("Error: %s", err))
				return
			}
			close(gracefulCh)
		}()

		select {
		case <-signalCh:
			return 1
		case <-time.After(gracefulTimeout):
			return 1
		case <-gracefulCh:
			return 0
		}
	}
}

func (c *Command) Synopsis() string {
	return "Runs a Sentinel agent"
}

func (c *Command) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-dev":       complete.PredictNothing,
		"-config":    complete.PredictOr(complete.PredictFiles("*.hcl"), complete.PredictFiles("*.json")),
		"-bind":      complete.PredictAnything,
		"-data-dir":  complete.PredictDirs("*"),
		"-log-level": complete.PredictSet("TRACE", "DEBUG", "INFO", "WARN", "ERROR"),
		"-log-json":  complete.PredictNothing,
	}
}

func (c *Command) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *Command) Help() string {
	helpText := `
Usage: sentinel agent [options]

  Starts the Sentinel agent and runs until an interrupt is received. The agent
  hosts the control plane server and its HTTP API.

  The agent's configuration primarily comes from the config files used, but a
  subset of the options may also be passed directly as CLI arguments.

General Options:

  -bind=<addr>
    The address the agent will bind to for the HTTP API. Defaults to
    0.0.0.0.

  -config=<path>
    The path to either a single config file or a directory of config
    files to use for configuring the agent. This option may be
    specified multiple times. If multiple config files are used, the
    values from each will be merged together. During merging, values
    from files found later in the list are merged over values from
    previously parsed files.

  -data-dir=<path>
    The data directory where the durable state database is stored.
    Required unless running in dev mode.

  -dev
    Start the agent in development mode. State is kept in memory and a
    local loopback bind address is used.

  -log-level=<level>
    Specify the verbosity level of Sentinel's logs. Valid values include
    DEBUG, INFO, and WARN, in decreasing order of verbosity. The
    default is INFO.

  -log-json
    Output logs in a JSON format. The default is false.
`
	return strings.TrimSpace(helpText)
}

// flagStringSlice accumulates repeated string flags.
type flagStringSlice []string

func (v *flagStringSlice) String() string {
	return strings.Join(*v, ",")
}

func (v *flagStringSlice) Set(raw string) error {
	*v = append(*v, raw)
	return nil
}

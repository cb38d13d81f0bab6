package main

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"maestro/internal/config"
	"maestro/internal/observability"
)

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configFile string
	verbosity  int
	quiet      bool
	noColor    bool

	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:   "maestro",
		Short: "Orchestrate ACP agents under an arbiter",
		Long: `maestro runs a task across several ACP agents. An arbiter agent picks
the agent for each step, reads the results, and decides whether to continue,
retry, or finish.

Examples:
  maestro run "add input validation to the signup form"
  maestro agents
  maestro agents show developer --yaml
  maestro serve --addr 127.0.0.1:8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.noColor || !isTerminal(stdout) {
				color.NoColor = true
				lipgloss.SetColorProfile(termenv.Ascii)
			}
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "Config file (replaces project config discovery)")
	flags.CountVarP(&opts.verbosity, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Only log errors")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable coloured output")

	cmd.AddCommand(
		newRunCommand(opts),
		newAgentsCommand(opts),
		newServeCommand(opts),
		newVersionCommand(opts),
	)
	return cmd
}

// loadConfig loads configuration and installs the process logger from it.
func (o *rootOptions) loadConfig() (config.Config, error) {
	var loadOpts []config.Option
	if o.configFile != "" {
		loadOpts = append(loadOpts, config.WithConfigFile(o.configFile))
	}
	cfg, err := config.Load(loadOpts...)
	if err != nil {
		return config.Config{}, err
	}

	observability.SetDefault(observability.NewLogger(observability.LogConfig{
		Level:  logLevel(cfg.Observability.Logging.Level, o.verbosity, o.quiet),
		Format: cfg.Observability.Logging.Format,
		Output: o.stderr,
	}))
	return cfg, nil
}

// logLevel lets -q and -v override the configured level.
func logLevel(configured string, verbosity int, quiet bool) string {
	switch {
	case quiet:
		return "error"
	case verbosity >= 2:
		return "debug"
	case verbosity == 1:
		return "info"
	case configured != "":
		return configured
	default:
		return "warn"
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	width := 80
	if f, ok := w.(*os.File); ok {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 {
			width = cols - 4
		}
	}
	if width > 120 {
		width = 120
	}
	return width
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

type runOptions struct {
	cwd      string
	markdown bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <task...>",
		Short: "Run a task to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := strings.TrimSpace(strings.Join(args, " "))
			if request == "" {
				return fmt.Errorf("task must not be empty")
			}
			return runTask(cmd, root, opts, request)
		},
	}
	cmd.Flags().StringVar(&opts.cwd, "cwd", "", "Working directory for agents (default: driver.cwd or the current directory)")
	cmd.Flags().BoolVar(&opts.markdown, "markdown", false, "Render each agent's output as markdown")
	return cmd
}

func runTask(cmd *cobra.Command, root *rootOptions, opts *runOptions, request string) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(cfg, opts.cwd)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	var markdown *MarkdownRenderer
	if opts.markdown {
		markdown, err = NewMarkdownRenderer(terminalWidth(out), root.noColor || !isTerminal(out))
		if err != nil {
			return err
		}
	}

	renderer := newProgressRenderer(out, markdown)
	id, ok, err := rt.driver.Run(ctx, request, renderer.Render)
	if err != nil {
		return err
	}
	if !ok {
		if ctx.Err() != nil {
			return &ExitCodeError{Code: 130, Err: fmt.Errorf("task %s was interrupted", id)}
		}
		return &ExitCodeError{Code: 1, Err: fmt.Errorf("task %s did not complete successfully", id)}
	}
	return nil
}

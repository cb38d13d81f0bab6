package main

import (
	"fmt"
	"io"
	"strings"

	"maestro/internal/driver"
	"maestro/internal/task"
)

// progressRenderer prints driver progress for a human. Agent text streams
// as it arrives unless markdown is enabled, in which case each step's
// output is rendered once the step completes.
type progressRenderer struct {
	out      io.Writer
	markdown *MarkdownRenderer

	step        strings.Builder
	atLineStart bool
}

func newProgressRenderer(out io.Writer, markdown *MarkdownRenderer) *progressRenderer {
	return &progressRenderer{out: out, markdown: markdown, atLineStart: true}
}

// Render is a driver.Sink.
func (r *progressRenderer) Render(p driver.Progress) {
	switch p.Kind {
	case driver.ProgressTaskStarted:
		fmt.Fprintf(r.out, "%s %s\n", bold("▶ Task"), blue(string(p.TaskID)))
	case driver.ProgressAgentSelected:
		r.step.Reset()
		r.endLine()
		fmt.Fprintf(r.out, "\n%s %s\n", cyan("● "+p.DisplayName), gray(p.Reasoning))
	case driver.ProgressAgentText:
		if r.markdown != nil {
			r.step.WriteString(p.Text)
			return
		}
		r.write(p.Text)
	case driver.ProgressAgentCompleted:
		if r.markdown != nil {
			r.write(r.markdown.Render(r.step.String()))
			r.step.Reset()
		}
		r.endLine()
		fmt.Fprintln(r.out, statusLine(p))
	case driver.ProgressEvaluation:
		r.endLine()
		fmt.Fprintf(r.out, "%s %s %s\n", yellow("↳ "+p.Decision), gray("-"), gray(p.Reasoning))
	case driver.ProgressError:
		r.endLine()
		fmt.Fprintln(r.out, red("✗ "+p.Message))
	case driver.ProgressTaskCompleted:
		r.endLine()
		if p.Success {
			fmt.Fprintf(r.out, "\n%s\n", green("✓ Task complete"))
		} else {
			fmt.Fprintf(r.out, "\n%s\n", red("✗ Task failed"))
		}
	}
}

func statusLine(p driver.Progress) string {
	label := p.DisplayName + " finished"
	switch p.Status {
	case task.StatusSuccess.String():
		return green("✓ " + label)
	case task.StatusNeedsRetry.String():
		return yellow("↻ " + label + " (needs retry)")
	default:
		return red("✗ " + label + " (" + p.Status + ")")
	}
}

func (r *progressRenderer) write(text string) {
	if text == "" {
		return
	}
	fmt.Fprint(r.out, text)
	r.atLineStart = strings.HasSuffix(text, "\n")
}

func (r *progressRenderer) endLine() {
	if !r.atLineStart {
		fmt.Fprintln(r.out)
		r.atLineStart = true
	}
}

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"maestro/internal/registry"
)

var (
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	styleMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	stylePanel  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

const maxWhenToUseWidth = 60

func newAgentsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the configured agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			reg, err := cfg.Registry()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderAgentTable(reg, cfg.Arbiter.Role))
			return nil
		},
	}
	cmd.AddCommand(newAgentsShowCommand(root))
	return cmd
}

func newAgentsShowCommand(root *rootOptions) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one agent's full definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			reg, err := cfg.Registry()
			if err != nil {
				return err
			}
			key := args[0]
			def, ok := reg.Get(key)
			if !ok {
				return fmt.Errorf("unknown agent %q (available: %s)", key, strings.Join(reg.Names(), ", "))
			}
			if asYAML {
				return writeAgentYAML(cmd.OutOrStdout(), key, def)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderAgentPanel(key, def))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print the definition as YAML config")
	return cmd
}

func renderAgentTable(reg *registry.Registry, arbiterRole string) string {
	header := []string{"KEY", "NAME", "COMMAND", "WHEN TO USE"}
	rows := [][]string{header}
	for _, key := range reg.Names() {
		def, _ := reg.Get(key)
		command := def.Command
		if command == "" {
			command = "-"
		}
		when := def.WhenToUse
		if key == arbiterRole {
			when = "(arbiter)"
		}
		rows = append(rows, []string{key, def.DisplayName(key), command, truncate(oneLine(when), maxWhenToUseWidth)})
	}

	widths := make([]int, len(header))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var b strings.Builder
	for i, row := range rows {
		cells := make([]string, len(row))
		for j, cell := range row {
			style := lipgloss.NewStyle().Width(widths[j] + 2)
			if i == 0 {
				style = style.Inherit(styleHeader)
			} else if j == len(row)-1 {
				style = style.Inherit(styleMuted)
			}
			cells[j] = style.Render(cell)
		}
		b.WriteString(strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, cells...), " "))
		b.WriteString("\n")
	}
	return b.String()
}

func renderAgentPanel(key string, def registry.Definition) string {
	field := func(name, value string) string {
		if value == "" {
			value = styleMuted.Render("-")
		}
		return styleHeader.Render(name+":") + " " + value
	}
	lines := []string{
		field("Key", key),
		field("Name", def.DisplayName(key)),
		field("Command", strings.TrimSpace(def.Command+" "+strings.Join(def.Args, " "))),
		field("Env", strings.Join(def.Env, " ")),
		field("When to use", def.WhenToUse),
		"",
		styleHeader.Render("Prompt:"),
		strings.TrimSpace(def.Prompt),
	}
	return stylePanel.Render(strings.Join(lines, "\n"))
}

// writeAgentYAML prints the definition in the shape of the agents config
// section so it can be pasted into a config file.
func writeAgentYAML(w io.Writer, key string, def registry.Definition) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]map[string]registry.Definition{"agents": {key: def}}); err != nil {
		return fmt.Errorf("encode agent %s: %w", key, err)
	}
	return enc.Close()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

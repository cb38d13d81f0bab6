package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
)

// MarkdownRenderer renders agent output for the terminal.
type MarkdownRenderer struct {
	renderer *glamour.TermRenderer
}

// NewMarkdownRenderer creates a renderer wrapping at width. Plain mode
// uses the colourless style for pipes and --no-color.
func NewMarkdownRenderer(width int, plain bool) (*MarkdownRenderer, error) {
	style := glamour.WithStandardStyle("dark")
	if plain {
		style = glamour.WithStandardStyle("notty")
	}
	renderer, err := glamour.NewTermRenderer(
		style,
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	return &MarkdownRenderer{renderer: renderer}, nil
}

// Render renders content, or returns it unchanged when it carries no
// markdown or rendering fails.
func (mr *MarkdownRenderer) Render(content string) string {
	if mr == nil || !looksLikeMarkdown(content) {
		return content
	}
	rendered, err := mr.renderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

var markdownIndicators = []string{
	"# ", "```", "- ", "* ", "1. ", "![", "|---|", "](", "**",
}

// looksLikeMarkdown skips short one-liners and anything without a block or
// inline marker.
func looksLikeMarkdown(content string) bool {
	content = strings.TrimSpace(content)
	if len(content) < 10 {
		return false
	}
	if !strings.Contains(content, "\n") && len(strings.Fields(content)) < 3 {
		return false
	}
	for _, indicator := range markdownIndicators {
		if strings.Contains(content, indicator) {
			return true
		}
	}
	if strings.Count(content, "`") >= 2 {
		return true
	}
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "> ") {
			return true
		}
	}
	return false
}

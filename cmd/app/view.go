package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nzoschke/genrelab/pkg/model"
	"github.com/nzoschke/genrelab/pkg/predict"
	"github.com/nzoschke/genrelab/pkg/recommend"
)

var (
	primary = lipgloss.Color("#00ff9f")
	dim     = lipgloss.Color("#6e7681")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(primary)
	labelStyle = lipgloss.NewStyle().Width(14)
	barStyle   = lipgloss.NewStyle().Foreground(primary)
	dimStyle   = lipgloss.NewStyle().Foreground(dim)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5f5f"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(dim).Padding(0, 1)
)

const barWidth = 30

// renderResult draws one bar per genre score.
func renderResult(path string, scores []predict.Score) string {
	lines := []string{titleStyle.Render(filepath.Base(path))}
	for _, s := range scores {
		n := min(max(int(s.Score*barWidth+0.5), 0), barWidth)
		bar := barStyle.Render(strings.Repeat("█", n)) + dimStyle.Render(strings.Repeat("░", barWidth-n))
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top,
			labelStyle.Render(s.Genre), bar, fmt.Sprintf(" %5.1f%%", s.Score*100)))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// renderMatches lists recommendations, nearest first.
func renderMatches(path string, matches []recommend.Match) string {
	lines := []string{titleStyle.Render("Similar to " + filepath.Base(path))}
	if len(matches) == 0 {
		lines = append(lines, dimStyle.Render("catalog is empty"))
	}
	for i, m := range matches {
		lines = append(lines, fmt.Sprintf("%2d. %s %s", i+1, m.Title, dimStyle.Render(fmt.Sprintf("(%.3f)", m.Distance))))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// renderSummary prints a layer table.
func renderSummary(s model.Summary) string {
	name := lipgloss.NewStyle().Width(22)
	class := lipgloss.NewStyle().Width(18)
	shape := lipgloss.NewStyle().Width(18)

	lines := []string{titleStyle.Render(fmt.Sprintf("%s (%d classes)", s.Architecture.Name, s.Architecture.Classes))}
	for _, l := range s.Layers {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top,
			name.Render(l.Name), class.Render(l.Class), shape.Render(fmt.Sprint(l.OutputShape)), fmt.Sprint(l.Params)))
	}
	lines = append(lines, dimStyle.Render(fmt.Sprintf("total params: %d", s.TotalParams)))
	return boxStyle.Render(strings.Join(lines, "\n"))
}

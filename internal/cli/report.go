package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"sku-render-pipeline/internal/models"
)

var (
	successColor = lipgloss.Color("#10B981")
	failedColor  = lipgloss.Color("#F87171")
	mutedColor   = lipgloss.Color("#9CA3AF")
	primaryColor = lipgloss.Color("#A78BFA")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	failedStyle  = lipgloss.NewStyle().Foreground(failedColor)

	nameCell   = lipgloss.NewStyle().Width(28)
	statusCell = lipgloss.NewStyle().Width(10)
	retryCell  = lipgloss.NewStyle().Width(9)
)

// renderReport formats a finished batch for the terminal
func renderReport(view models.JobStatusView) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("BATCH "+view.OutputDirName) + "\n")
	sb.WriteString(mutedStyle.Render(strings.Repeat("─", 50)) + "\n")
	sb.WriteString(fmt.Sprintf("Job:      %s\n", view.ID))
	sb.WriteString(fmt.Sprintf("Status:   %s (%.0f%%)\n", view.Status, view.Progress))
	sb.WriteString(fmt.Sprintf("Results:  %s / %s of %d\n",
		successStyle.Render(fmt.Sprintf("%d succeeded", view.Success)),
		failedStyle.Render(fmt.Sprintf("%d failed", view.Failed)),
		view.Total))
	if view.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("Duration: %s\n", view.CompletedAt.Sub(view.CreatedAt).Round(time.Millisecond)))
	}
	sb.WriteString("\n")

	for _, t := range view.Tasks {
		sb.WriteString(taskLine(t) + "\n")
	}
	return sb.String()
}

func taskLine(t models.TaskView) string {
	status := statusCell.Render(string(t.Status))
	switch t.Status {
	case models.TaskSuccess:
		status = successStyle.Inherit(statusCell).Render(string(t.Status))
	case models.TaskFailed:
		status = failedStyle.Inherit(statusCell).Render(string(t.Status))
	}

	name := t.ProductName
	if len([]rune(name)) > 26 {
		name = string([]rune(name)[:25]) + "…"
	}

	detail := t.ArtifactRef
	if t.Status == models.TaskFailed {
		detail = t.Error
	}
	return lipgloss.JoinHorizontal(lipgloss.Top,
		nameCell.Render(name),
		status,
		retryCell.Render(fmt.Sprintf("retry %d", t.RetryCount)),
		mutedStyle.Render(detail),
	)
}

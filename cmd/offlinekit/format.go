package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/offlinekit/pkg/models"
)

func formatQueue(items []models.QueuedMutation) string {
	if len(items) == 0 {
		return "Mutation queue is empty.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-6s %-36s %-7s %-32s %8s %-20s %s\n",
		"SEQ", "ID", "METHOD", "PATH", "ATTEMPTS", "ENQUEUED", "LAST ERROR")
	b.WriteString(strings.Repeat("-", 130) + "\n")
	for _, m := range items {
		fmt.Fprintf(&b, "%-6d %-36s %-7s %-32s %8d %-20s %s\n",
			m.Seq, m.ID, m.Method, clip(m.Path, 32), m.Attempts,
			m.EnqueuedAt.UTC().Format(time.RFC3339), clip(m.LastError, 40))
	}
	return b.String()
}

func formatTemplates(recs []models.TemplateRecord) string {
	if len(recs) == 0 {
		return "No templates stored.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-50s %s\n", "CATEGORY", "TRIGGERS", "BODY")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, r := range recs {
		fmt.Fprintf(&b, "%-20s %-50s %s\n",
			r.Category, clip(strings.Join(r.Triggers, ", "), 50), clip(firstLine(r.Body), 40))
	}
	return b.String()
}

func formatDeadLetters(entries []models.DeadLetter) string {
	if len(entries) == 0 {
		return "No dead letters found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-7s %-32s %6s %-20s %s\n",
		"ID", "METHOD", "PATH", "STATUS", "REJECTED", "RESPONSE")
	b.WriteString(strings.Repeat("-", 130) + "\n")
	for _, d := range entries {
		fmt.Fprintf(&b, "%-36s %-7s %-32s %6d %-20s %s\n",
			d.Mutation.ID, d.Mutation.Method, clip(d.Mutation.Path, 32), d.StatusCode,
			d.RejectedAt.UTC().Format(time.RFC3339), clip(firstLine(d.Response), 40))
	}
	return b.String()
}

// clip shortens s to at most n runes, marking the cut with "...".
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

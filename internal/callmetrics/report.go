package callmetrics

import (
	"fmt"
	"io"
	"strings"
)

// PrintReport writes the per-turn table and the summary table to w.
func (r *Recorder) PrintReport(w io.Writer) {
	summary, interactions := r.Snapshot()
	if summary == nil {
		fmt.Fprintln(w, "No interactions recorded.")
		return
	}

	rule := strings.Repeat("=", 80)
	fmt.Fprintf(w, "\n%s\n", rule)
	fmt.Fprintf(w, "VOICE AGENT METRICS REPORT - %s\n", r.sessionID)
	fmt.Fprintln(w, rule)

	fmt.Fprintf(w, "\nINTERACTIONS:\n")
	fmt.Fprintf(w, "%-4s %-10s %-11s %-11s %-11s\n", "ID", "User Wait", "User Speak", "Agent Idle", "Agent Reply")
	fmt.Fprintf(w, "%s %s %s %s %s\n", strings.Repeat("-", 4), strings.Repeat("-", 10), strings.Repeat("-", 11), strings.Repeat("-", 11), strings.Repeat("-", 11))
	for i, in := range interactions {
		fmt.Fprintf(w, "%-4d %-10.3f %-11.3f %-11.3f %-11.3f\n",
			i+1,
			in.UserResponseWaitingTime,
			in.UserSpeakingTime,
			in.AgentIdleTimePerQuestion,
			in.AgentReplyTime,
		)
	}

	fmt.Fprintf(w, "\nSUMMARY:\n")
	fmt.Fprintf(w, "%-40s %-15s\n", "Metric", "Value")
	fmt.Fprintf(w, "%s %s\n", strings.Repeat("-", 40), strings.Repeat("-", 15))
	fmt.Fprintf(w, "%-40s %-15d\n", "Total Questions", summary.TotalQuestions)
	rows := []struct {
		label string
		value float64
	}{
		{"Total User Speaking Time (s)", summary.TotalUserSpeakingTime},
		{"Average User Speaking Time (s)", summary.AverageUserSpeakingTime},
		{"Total Agent Reply Time (s)", summary.TotalAgentReplyTime},
		{"Average Agent Reply Time (s)", summary.AverageAgentReplyTime},
		{"Total Agent Idle Time (s)", summary.TotalAgentIdleTime},
		{"Average Agent Idle Time (s)", summary.AverageAgentIdleTime},
		{"Total Session Time (s)", summary.TotalSessionTime},
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%-40s %-15.3f\n", row.label, row.value)
	}
	fmt.Fprintln(w, rule)
}

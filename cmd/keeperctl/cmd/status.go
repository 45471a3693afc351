package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/psantana5/botkeeper/internal/state"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the supervisor's run state",
	Long:  `Read the run state published by botkeeper and add live information about the supervisor and worker processes.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// processInfo is a live view of one process, empty when it is gone.
type processInfo struct {
	Role       string    `json:"role"`
	PID        int       `json:"pid"`
	Running    bool      `json:"running"`
	Name       string    `json:"name,omitempty"`
	RSSBytes   uint64    `json:"rss_bytes,omitempty"`
	CPUPercent float64   `json:"cpu_percent,omitempty"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

type statusOutput struct {
	State     *state.RunState `json:"state"`
	Processes []processInfo   `json:"processes"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := checkOutput("table", "json"); err != nil {
		return err
	}

	st, err := state.Read(cfg.State.File)
	if errors.Is(err, state.ErrNoState) {
		fmt.Fprintf(cmd.OutOrStdout(), "No supervisor has run here yet (%s not found)\n", cfg.State.File)
		return nil
	}
	if err != nil {
		return err
	}

	out := statusOutput{
		State: st,
		Processes: []processInfo{
			inspectProcess("supervisor", st.SupervisorPID),
		},
	}
	if st.WorkerPID > 0 {
		out.Processes = append(out.Processes, inspectProcess("worker", st.WorkerPID))
	}

	if IsJSONOutput() {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	renderStatus(cmd.OutOrStdout(), out, time.Now())
	return nil
}

// inspectProcess collects what gopsutil can tell about pid. Every probe is
// best effort; a vanished process is reported as not running.
func inspectProcess(role string, pid int) processInfo {
	info := processInfo{Role: role, PID: pid}
	if pid <= 0 {
		return info
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return info
	}
	if running, err := p.IsRunning(); err != nil || !running {
		return info
	}
	info.Running = true

	if name, err := p.Name(); err == nil {
		info.Name = name
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		info.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		info.CPUPercent = cpu
	}
	if fds, err := p.NumFDs(); err == nil {
		info.NumFDs = fds
	}
	if created, err := p.CreateTime(); err == nil {
		info.CreatedAt = time.UnixMilli(created)
	}
	return info
}

func renderStatus(w io.Writer, out statusOutput, now time.Time) {
	st := out.State

	fmt.Fprintf(w, "Session:   %s\n", st.SessionID)
	fmt.Fprintf(w, "Phase:     %s\n", st.Phase)
	fmt.Fprintf(w, "Runtime:   %s\n", st.Runtime)
	fmt.Fprintf(w, "Launches:  %d\n", st.Launches)
	if st.LastExitCode != nil {
		fmt.Fprintf(w, "Last exit: %d (%s) at %s\n", *st.LastExitCode, st.LastReason, st.LastExitAt.Format(time.RFC3339))
	}
	if up := st.Uptime(now); up > 0 {
		fmt.Fprintf(w, "Uptime:    %s\n", up.Round(time.Second))
	}
	if st.Phase == state.PhaseWaiting && !st.NextLaunchAt.IsZero() {
		fmt.Fprintf(w, "Next run:  %s\n", st.NextLaunchAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w)

	table := tablewriter.NewWriter(w)
	table.Header("Role", "PID", "Running", "Name", "RSS", "CPU", "FDs")
	for _, p := range out.Processes {
		running := "no"
		rss, cpu, fds := "-", "-", "-"
		if p.Running {
			running = "yes"
			rss = formatBytes(p.RSSBytes)
			cpu = fmt.Sprintf("%.1f%%", p.CPUPercent)
			fds = fmt.Sprintf("%d", p.NumFDs)
		}
		table.Append(p.Role, fmt.Sprintf("%d", p.PID), running, p.Name, rss, cpu, fds)
	}
	table.Render()
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

package dashboard

import (
	"fmt"
	"sort"
	"strings"
)

// FormatSummary renders the overview for a terminal.
func FormatSummary(s Summary) string {
	var b strings.Builder
	b.WriteString("sing-box panel status\n\n")

	fmt.Fprintf(&b, "Users: %d total, %d active\n", s.UsersTotal, s.UsersActive)

	if s.Daemon.Running {
		fmt.Fprintf(&b, "sing-box: running, %d connections, memory %s\n",
			s.Daemon.Connections, FormatBytes(s.Daemon.Memory))
		fmt.Fprintf(&b, "  total: ↑%s ↓%s\n",
			FormatBytes(s.Daemon.UploadTotal), FormatBytes(s.Daemon.DownloadTotal))
	} else {
		b.WriteString("sing-box: not reachable\n")
	}

	if len(s.Tunnels) > 0 {
		b.WriteString("\nTunnels:\n")
		for _, t := range s.Tunnels {
			b.WriteString(formatTunnel(t.Tag, t.Type, t.Alive, t.DelayMs))
		}
	}

	if len(s.Egress) > 0 {
		b.WriteString("\nOutbound traffic since start:\n")
		tags := make([]string, 0, len(s.Egress))
		for tag := range s.Egress {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		for _, tag := range tags {
			t := s.Egress[tag]
			fmt.Fprintf(&b, "  %-12s ↑%s ↓%s\n", tag, FormatBytes(t.Upload), FormatBytes(t.Download))
		}
	}
	return b.String()
}

func formatTunnel(tag, typ string, alive bool, delay int) string {
	status := "🔴"
	detail := "down"
	if alive {
		status = "🟢"
		detail = fmt.Sprintf("%d ms", delay)
	}
	return fmt.Sprintf("  %s %-12s %-10s %s\n", status, tag, typ, detail)
}

func FormatBytes(b int64) string {
	switch {
	case b >= 1<<40:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(1<<40))
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

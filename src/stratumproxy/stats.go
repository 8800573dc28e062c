package stratumproxy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Kali123411/stratum-proxy/src/hub"
	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
)

const (
	statsRule   = "==============================================================================="
	statsSplit  = "-------------------------------------------------------------------------------"
	statsFooter = "========================================================== stratum_proxy ==="
)

// RenderStats formats the periodic worker and pool table.
func RenderStats(h *hub.Hub, now, started time.Time) string {
	var b strings.Builder
	b.WriteString("\n" + statsRule + "\n")
	b.WriteString("  worker name   |      pool      |  avg hashrate  |    acc/rej   |    uptime   \n")
	b.WriteString(statsSplit + "\n")

	var lines []string
	totalRate := float64(0)
	var totalAcc, totalRej int64
	for _, info := range h.ListBindings(now) {
		name := info.Id
		if len(info.Names) > 0 {
			name = strings.Join(info.Names, ",")
		}
		totalRate += info.Shares.AcceptedHashrate
		totalAcc += info.Shares.Accepted
		totalRej += info.Shares.Rejected
		lines = append(lines, fmt.Sprintf(" %-15.15s| %14.14s | %14.14s | %12s | %11s",
			name, info.Pool, formatHashrate(info.Shares.AcceptedHashrate),
			fmt.Sprintf("%d/%d", info.Shares.Accepted, info.Shares.Rejected),
			formatUptime(now.Sub(info.ConnectedAt))))
	}
	sort.Strings(lines)
	b.WriteString(strings.Join(lines, "\n"))
	if len(lines) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(statsSplit + "\n")
	b.WriteString("   pool name    |     status     |  avg hashrate  |    acc/rej   |   workers   \n")
	b.WriteString(statsSplit + "\n")
	for _, info := range h.PoolStats(now) {
		fmt.Fprintf(&b, " %-15.15s| %14.14s | %14.14s | %12s | %11d\n",
			info.Name, poolStatus(info.Enabled, info.Active, info.Stable),
			formatHashrate(info.Shares.AcceptedHashrate),
			fmt.Sprintf("%d/%d", info.Shares.Accepted, info.Shares.Rejected), info.Tails)
	}

	b.WriteString(statsSplit + "\n")
	fmt.Fprintf(&b, "                | %14.14s | %14.14s | %12s | %11s",
		h.StrategyName(), formatHashrate(totalRate),
		fmt.Sprintf("%d/%d", totalAcc, totalRej), formatUptime(now.Sub(started)))
	b.WriteString("\n" + statsFooter + "\n")
	return b.String()
}

func formatHashrate(rate float64) string {
	return humanize.SI(rate, "H/s")
}

func formatUptime(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	return durafmt.Parse(d.Round(time.Second)).LimitFirstN(2).String()
}

func poolStatus(enabled, active, stable bool) string {
	switch {
	case !enabled:
		return "disabled"
	case !active:
		return "down"
	case !stable:
		return "unstable"
	default:
		return "up"
	}
}

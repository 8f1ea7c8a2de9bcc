package publisher

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c360/cartelemetry/errors"
)

// userHz is the kernel clock tick rate used to convert stat file CPU times
// to milliseconds. 100 on every mainstream Linux build.
const userHz = 100

// ProcStatsSource is the production StatsSource, reading per-process rows
// from a /proc style filesystem. A query is a comma-separated list of
// process name prefixes; the empty query matches every process. Rows are
// aggregated per (uid, name).
type ProcStatsSource struct {
	procPath string
	pageSize int64
}

// NewProcStatsSource creates a source rooted at procPath ("" means /proc).
func NewProcStatsSource(procPath string) *ProcStatsSource {
	if procPath == "" {
		procPath = "/proc"
	}
	return &ProcStatsSource{
		procPath: procPath,
		pageSize: int64(os.Getpagesize()),
	}
}

// Pull reads one report. Processes that vanish mid-scan are skipped.
func (s *ProcStatsSource) Pull(_ context.Context, query string) (*StatsReport, error) {
	entries, err := os.ReadDir(s.procPath)
	if err != nil {
		return nil, errors.WrapTransient(err, "ProcStatsSource", "Pull", "list "+s.procPath)
	}

	var prefixes []string
	if query != "" {
		prefixes = strings.Split(query, ",")
	}

	agg := make(map[statsKey]*ProcessStat)
	var order []statsKey
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(entry.Name()); err != nil {
			continue
		}
		stat, ok := s.readProcess(entry.Name())
		if !ok || !matchesQuery(stat.Name, prefixes) {
			continue
		}
		k := statsKey{stat.UID, stat.Name}
		if cur, seen := agg[k]; seen {
			cur.CPUTimeMillis += stat.CPUTimeMillis
			cur.RSSBytes += stat.RSSBytes
			cur.MajorFaults += stat.MajorFaults
		} else {
			copied := stat
			agg[k] = &copied
			order = append(order, k)
		}
	}

	report := &StatsReport{CollectedAt: time.Now(), Processes: make([]ProcessStat, 0, len(order))}
	for _, k := range order {
		report.Processes = append(report.Processes, *agg[k])
	}
	return report, nil
}

func matchesQuery(name string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// readProcess parses one pid's stat and status files. Any parse problem
// skips the process; pids are racy by nature.
func (s *ProcStatsSource) readProcess(pid string) (ProcessStat, bool) {
	raw, err := os.ReadFile(filepath.Join(s.procPath, pid, "stat"))
	if err != nil {
		return ProcessStat{}, false
	}
	stat := string(raw)

	// comm sits between the first '(' and the last ')' and may itself
	// contain spaces or parens.
	open := strings.IndexByte(stat, '(')
	closeIdx := strings.LastIndexByte(stat, ')')
	if open < 0 || closeIdx < open {
		return ProcessStat{}, false
	}
	name := stat[open+1 : closeIdx]
	rest := strings.Fields(stat[closeIdx+1:])

	// Post-comm field offsets: state=0, majflt=9, utime=11, stime=12,
	// rss pages=21.
	if len(rest) < 22 {
		return ProcessStat{}, false
	}
	majflt, err1 := strconv.ParseInt(rest[9], 10, 64)
	utime, err2 := strconv.ParseInt(rest[11], 10, 64)
	stime, err3 := strconv.ParseInt(rest[12], 10, 64)
	rssPages, err4 := strconv.ParseInt(rest[21], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return ProcessStat{}, false
	}

	uid, ok := s.readUID(pid)
	if !ok {
		return ProcessStat{}, false
	}

	return ProcessStat{
		UID:           uid,
		Name:          name,
		CPUTimeMillis: (utime + stime) * 1000 / userHz,
		RSSBytes:      rssPages * s.pageSize,
		MajorFaults:   majflt,
	}, true
}

func (s *ProcStatsSource) readUID(pid string) (int32, bool) {
	raw, err := os.ReadFile(filepath.Join(s.procPath, pid, "status"))
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(raw), "\n") {
		rest, ok := strings.CutPrefix(line, "Uid:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, false
		}
		uid, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			return 0, false
		}
		return int32(uid), true
	}
	return 0, false
}

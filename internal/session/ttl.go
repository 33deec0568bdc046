package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepResult summarises one housekeeping pass.
type SweepResult struct {
	Reaped         int
	TrimmedEntries int
	PrunedLocks    int
}

// Sweep reaps sessions idle for longer than the TTL and trims every
// remaining task log to the housekeeping size.
func (m *Manager) Sweep(now time.Time) SweepResult {
	var res SweepResult
	for _, sess := range m.registry.List() {
		idle := now.Sub(sess.LastActivity())
		if idle > m.timings.TTL {
			slog.Info("Reaping inactive session", "session_id", sess.ID, "idle", idle.Round(time.Second))
			m.teardown(sess, "inactive")
			res.Reaped++
			continue
		}
		for _, task := range sess.Tasks() {
			res.TrimmedEntries += task.Logs.Trim(m.timings.LogTrimSize)
		}
	}
	res.PrunedLocks = m.prunePairLocks()
	if res.Reaped > 0 || res.TrimmedEntries > 0 || res.PrunedLocks > 0 {
		slog.Info("Housekeeping sweep done", "reaped", res.Reaped, "trimmed_entries", res.TrimmedEntries, "pruned_locks", res.PrunedLocks, "sessions", m.registry.Count())
	}
	return res
}

// StartSweeper schedules Sweep on a cron spec such as "@every 1h" or a
// standard five-field expression. Stop the returned scheduler on shutdown.
func (m *Manager) StartSweeper(spec string) (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { m.Sweep(time.Now()) }); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	c.Start()
	slog.Info("Housekeeping sweeper started", "schedule", spec, "ttl", m.timings.TTL)
	return c, nil
}

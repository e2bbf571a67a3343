package stats

import (
	"context"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
	"github.com/dustin/go-humanize"
)

const DefaultLogInterval = 10 * time.Second

// HashRate is the hashes per second between two snapshots.
func HashRate(prev, cur Snapshot) float64 {
	elapsed := cur.Timestamp.Sub(prev.Timestamp).Seconds()
	if elapsed <= 0 || cur.Hashes < prev.Hashes {
		return 0
	}
	return float64(cur.Hashes-prev.Hashes) / elapsed
}

// LogHashRate writes the current hash rate every interval until ctx ends.
func LogHashRate(ctx context.Context, c *Counters, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultLogInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := c.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := c.Snapshot()
			utils.Logf("STATS", "Current hashrate is: %s, %s hashes total, %d found, %d stale results, started %s",
				utils.HashRate(HashRate(prev, cur)),
				humanize.Comma(int64(cur.Hashes)),
				cur.Found,
				cur.StaleResults,
				humanize.Time(cur.Timestamp.Add(-cur.Uptime)),
			)
			if utils.IsLogLevelDebug() {
				for i, w := range cur.Workers {
					var prevHashes uint64
					if p, ok := prev.Worker(w.Name); ok {
						prevHashes = p.Hashes
					}
					rate := HashRate(Snapshot{Timestamp: prev.Timestamp, Hashes: prevHashes}, Snapshot{Timestamp: cur.Timestamp, Hashes: w.Hashes})
					utils.Debugf("STATS", "Device %d %s: %s", i, w.Name, utils.HashRate(rate))
				}
			}
			prev = cur
		}
	}
}

package metrics

import (
	"context"
	"time"

	"github.com/cuemby/mcc/pkg/coordination"
)

// Collector polls a run's Coordination Store state on a fixed interval
// and republishes it as gauges, adapted from the Collector/Start/Stop
// polling shape of pkg/metrics/collector.go.
type Collector struct {
	run    string
	proto  *coordination.Protocol
	stopCh chan struct{}
}

func NewCollector(run string, proto *coordination.Protocol) *Collector {
	return &Collector{run: run, proto: proto, stopCh: make(chan struct{})}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	st, err := c.proto.ReadState(context.Background())
	if err != nil {
		return
	}

	QueueDepth.WithLabelValues(c.run).Set(float64(len(st.Remaining)))
	PointsCompletedTotal.WithLabelValues(c.run).Set(float64(len(st.Completed)))

	inProgress := 0
	for _, rec := range st.InProgress {
		inProgress += len(rec.Items)
	}
	PointsInProgress.WithLabelValues(c.run).Set(float64(inProgress))
}

// Package audit batches peer lifecycle events from the event bus and
// persists them to a partitioned peer_events table, the audit trail a
// network operator queries after the fact ("when did this peer go down,
// and why"). It never runs on, and never blocks, the core event loop —
// it only ever reads from a channel the loop writes to.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opennhrp/nhrpd/internal/events"
	"github.com/opennhrp/nhrpd/internal/metrics"
	"go.uber.org/zap"
)

type Pipeline struct {
	writer        *Writer
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
}

func NewPipeline(writer *Writer, batchSize, flushIntervalMs int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		writer:        writer,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
	}
}

// Run consumes events from ch, batching by count or by flush interval,
// whichever comes first, until ch is closed or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, ch <-chan events.Event) {
	var batch []*Row
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.flush(shutdownCtx, batch)
				cancel()
			}
			return

		case ev, ok := <-ch:
			if !ok {
				if len(batch) > 0 {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					p.flush(shutdownCtx, batch)
					cancel()
				}
				return
			}

			batch = append(batch, toRow(ev))
			if len(batch) >= p.batchSize {
				p.flush(ctx, batch)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

func toRow(ev events.Event) *Row {
	canonical, _ := json.Marshal(ev)
	return &Row{EventID: ComputeEventID(canonical), Event: ev}
}

func (p *Pipeline) flush(ctx context.Context, batch []*Row) {
	inserted, err := p.writer.FlushBatch(ctx, batch)
	if err != nil {
		p.logger.Error("audit batch flush failed", zap.Error(err), zap.Int("batch_size", len(batch)))
		metrics.AuditErrorsTotal.WithLabelValues("flush").Inc()
		return
	}
	p.logger.Debug("audit batch flushed",
		zap.Int("batch_size", len(batch)),
		zap.Int64("inserted", inserted),
	)
}

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"github.com/opennhrp/nhrpd/internal/events"
	"github.com/opennhrp/nhrpd/internal/metrics"
	"go.uber.org/zap"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("audit: zstd encoder init: %v", err))
	}
}

type Writer struct {
	pool        *pgxpool.Pool
	logger      *zap.Logger
	storeRaw    bool
	compressRaw bool
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger, storeRaw, compressRaw bool) *Writer {
	return &Writer{
		pool:        pool,
		logger:      logger,
		storeRaw:    storeRaw,
		compressRaw: compressRaw,
	}
}

// Row is a single event queued for insertion into peer_events.
type Row struct {
	EventID []byte
	Event   events.Event
	Raw     []byte // optional raw CIE/packet payload, stored when configured
}

// FlushBatch inserts a batch of rows into peer_events in one transaction.
// Returns the number of rows actually inserted (after dedup on event_id).
func (w *Writer) FlushBatch(ctx context.Context, rows []*Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if w.pool == nil {
		return 0, nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO peer_events (event_id, ingest_time, instance_id, kind, interface_name,
			protocol_address, prefix_length, nexthop_address, nbma_hostname, holding_time_seconds,
			cie_code, raw)
		VALUES ($1, date_trunc('day', now() AT TIME ZONE 'UTC')::timestamptz, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id, ingest_time) DO NOTHING`

	batch := &pgx.Batch{}
	for _, row := range rows {
		var raw []byte
		if w.storeRaw && row.Raw != nil {
			if w.compressRaw {
				raw = zstdEncoder.EncodeAll(row.Raw, nil)
			} else {
				raw = row.Raw
			}
		}

		ev := row.Event
		batch.Queue(insertSQL,
			row.EventID, ev.InstanceID, ev.Kind.String(), ev.Peer.InterfaceName,
			ev.Peer.ProtocolAddress.String(), ev.Peer.PrefixLength,
			ev.Peer.NextHopAddress.String(), nilIfEmpty(ev.Peer.NBMAHostname),
			int(ev.Peer.HoldingTime/time.Second), ev.CIECode, raw,
		)
	}

	results := tx.SendBatch(ctx, batch)
	var totalInserted int64
	for i := range rows {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("insert peer_event[%d]: %w", i, err)
		}
		totalInserted += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("closing batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	metrics.AuditFlushDuration.WithLabelValues().Observe(time.Since(start).Seconds())

	return totalInserted, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

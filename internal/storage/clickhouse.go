package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// DropCounter counts execution records discarded because a sink was saturated.
type DropCounter interface {
	ObserveRecordDropped(sink string)
}

type noopDropCounter struct{}

func (noopDropCounter) ObserveRecordDropped(string) {}

// ClickHouseWriter writes execution records to ClickHouse asynchronously.
// Write() is non-blocking; records are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *ExecutionRecord
	done    chan struct{}
	flushed chan struct{}
	drops   DropCounter
	logger  *zap.Logger
}

// OpenClickHouse parses a DSN and returns a pinged connection.
// TLS is on by default, matching managed ClickHouse deployments.
func OpenClickHouse(dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}
	return conn, nil
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
// drops may be nil.
func NewClickHouseWriter(conn driver.Conn, drops DropCounter, logger *zap.Logger) *ClickHouseWriter {
	if drops == nil {
		drops = noopDropCounter{}
	}
	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *ExecutionRecord, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		drops:   drops,
		logger:  logger,
	}
	go w.flushLoop()
	return w
}

// Write queues a record for async insertion.
// Non-blocking: drops and counts the record if the buffer is full, so a slow
// ClickHouse never adds latency to dispatch.
func (w *ClickHouseWriter) Write(record *ExecutionRecord) {
	select {
	case w.buffer <- record:
	default:
		w.drops.ObserveRecordDropped("clickhouse")
		w.logger.Warn("clickhouse buffer full, dropping execution record",
			zap.String("execution_id", record.ExecutionID),
			zap.String("tool_name", record.ToolName),
		)
	}
}

// Close signals the flush loop to drain remaining records.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*ExecutionRecord, 0, flushBatch)

	for {
		select {
		case record := <-w.buffer:
			batch = append(batch, record)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			w.flush(w.drain(batch))
			return
		}
	}
}

// drain appends whatever is still buffered, giving up after drainTimeout.
func (w *ClickHouseWriter) drain(batch []*ExecutionRecord) []*ExecutionRecord {
	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	for {
		select {
		case record := <-w.buffer:
			batch = append(batch, record)
		case <-deadline.C:
			return batch
		default:
			return batch
		}
	}
}

func (w *ClickHouseWriter) flush(records []*ExecutionRecord) {
	if len(records) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO tool_executions (
			execution_id, tenant_id, tool_id, tool_name, timestamp,
			parameters_json, success, data_json, error, error_kind,
			status_code, execution_time_ms, executed_by
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, r := range records {
		var successUint8 uint8
		if r.Success {
			successUint8 = 1
		}
		if err := batch.Append(
			r.ExecutionID,
			r.TenantID,
			r.ToolID,
			r.ToolName,
			r.Timestamp,
			r.ParametersJSON,
			successUint8,
			r.DataJSON,
			r.Error,
			r.ErrorKind,
			r.StatusCode,
			r.ExecutionTimeMs,
			r.ExecutedBy,
		); err != nil {
			w.logger.Error("clickhouse append execution failed",
				zap.String("execution_id", r.ExecutionID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(records)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback ExecutionWriter for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs records to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(record *ExecutionRecord) {
	w.logger.Info("tool_execution",
		zap.String("execution_id", record.ExecutionID),
		zap.String("tenant_id", record.TenantID),
		zap.String("tool_name", record.ToolName),
		zap.Bool("success", record.Success),
		zap.Int32("status_code", record.StatusCode),
		zap.String("error_kind", record.ErrorKind),
		zap.Int64("execution_time_ms", record.ExecutionTimeMs),
		zap.String("executed_by", record.ExecutedBy),
	)
}

func (w *LogWriter) Close() {}

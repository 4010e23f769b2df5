//go:build integration

package outbox

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/TravisMcGray/territory-app/internal/persistence/postgres/pgtest"
)

var quietLogger = log.New(io.Discard, "", 0)

func TestDispatcherPublishesMessages(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t, ctx)

	require.NotZero(t, seedOutbox(t, ctx, pool, encodedMessage(t, 0)))

	producer := &stubProducer{}
	registry := &stubRegistry{id: 42}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5, quietLogger)

	beforeDelivered := testutil.ToFloat64(deliveredCounter.WithLabelValues("territory_activity_events"))
	beforeHistogram := histogramSampleCount(t)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Equal(t, "territory_activity_events", producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 1)

	require.InDelta(t, beforeDelivered+1, testutil.ToFloat64(deliveredCounter.WithLabelValues("territory_activity_events")), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)
}

func TestDispatcherRoutesMessagesToDLQOnFailure(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t, ctx)

	eventID := seedOutbox(t, ctx, pool, encodedMessage(t, 0))

	producer := &stubProducer{err: errors.New("kafka write failed")}
	dispatcher := NewDispatcher(pool, producer, &stubRegistry{id: 7}, 10*time.Millisecond, 5, quietLogger)

	beforeFailed := testutil.ToFloat64(failedCounter)
	beforeDLQ := testutil.ToFloat64(dlqCounter.WithLabelValues("territory_activity_events"))

	require.NoError(t, dispatcher.processBatch(ctx))

	require.InDelta(t, beforeFailed+1, testutil.ToFloat64(failedCounter), 0.0001)
	require.InDelta(t, beforeDLQ+1, testutil.ToFloat64(dlqCounter.WithLabelValues("territory_activity_events")), 0.0001)

	var dlqCount int
	var reason string
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*), MAX(reason) FROM outbox_dlq WHERE event_id = $1`, eventID).Scan(&dlqCount, &reason))
	require.Equal(t, 1, dlqCount)
	require.Contains(t, reason, "kafka write failed")

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)
}

func TestDLQManagerRequeuesAndQuarantines(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t, ctx)

	seedOutbox(t, ctx, pool, encodedMessage(t, 0))
	failing := NewDispatcher(pool, &stubProducer{err: errors.New("upstream kafka unavailable")}, &stubRegistry{id: 1}, time.Millisecond, 10, quietLogger)
	require.NoError(t, failing.processBatch(ctx))

	manager := NewDLQManager(pool, 1, time.Second)
	replayed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, replayed)
	require.Zero(t, testutil.ToFloat64(dlqBacklogGauge))

	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&pending))
	require.Equal(t, 1, pending, "requeued event should be pending again")

	producer := &stubProducer{}
	healthy := NewDispatcher(pool, producer, &stubRegistry{id: 1}, time.Millisecond, 10, quietLogger)
	require.NoError(t, healthy.processBatch(ctx))
	require.Len(t, producer.writes, 1)

	_, err = pool.Exec(ctx,
		`INSERT INTO outbox_dlq (event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count, next_retry_at)
         VALUES (99, 'activity.recorded', 'territory_activity_events', '{}', 'boom', 'activity', 'a', 'territory_activity_events-value', 'u', 1, NOW())`)
	require.NoError(t, err)
	_, err = manager.RunOnce(ctx, 10)
	require.NoError(t, err)

	var quarantined int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NOT NULL`).Scan(&quarantined))
	require.Equal(t, 1, quarantined)
}

func TestDispatcherObservesWholeBatchDuration(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t, ctx)
	seedOutbox(t, ctx, pool, encodedMessage(t, 0))

	producer := &stubProducer{delay: 50 * time.Millisecond}
	dispatcher := NewDispatcher(pool, producer, &stubRegistry{id: 3}, 10*time.Millisecond, 5, quietLogger)

	before := batchHistogram(t)
	require.NoError(t, dispatcher.processBatch(ctx))
	after := batchHistogram(t)

	require.Equal(t, before.GetSampleCount()+1, after.GetSampleCount())
	require.GreaterOrEqual(t, after.GetSampleSum()-before.GetSampleSum(), 0.05)
}

func batchHistogram(t *testing.T) *dto.Histogram {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()
	return batchHistogram(t).GetSampleCount()
}

func seedOutbox(t *testing.T, ctx context.Context, pool *pgxpool.Pool, msg Message) int64 {
	t.Helper()

	var eventID int64
	err := pool.QueryRow(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7)
         RETURNING event_id`,
		msg.AggregateType, msg.AggregateID, msg.EventType, msg.Topic, msg.SchemaSubject, msg.PartitionKey, msg.Payload,
	).Scan(&eventID)
	require.NoError(t, err)
	return eventID
}

package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

const stealPayload = `{"activity_id":"act-1","thief_id":"bob","victim_id":"alice","cell_ids":["c1"],"stolen_at":"2024-05-01T07:00:00Z"}`

func framed(schemaID int, payload string) []byte {
	value := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(value[1:5], uint32(schemaID))
	copy(value[5:], payload)
	return value
}

func stealMessage(offset int64, payload string) kafka.Message {
	return kafka.Message{
		Topic:     "territory_steals",
		Partition: 0,
		Offset:    offset,
		Time:      time.Now().UTC(),
		Value:     framed(42, payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("territory.stolen")},
			{Key: "user_id", Value: []byte("alice")},
			{Key: "schema_subject", Value: []byte("territory_steals-value")},
		},
	}
}

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{stealMessage(10, stealPayload)},
		after:    contextCanceled,
	}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))
	before := testutil.ToFloat64(processedCounter.WithLabelValues("territory_steals", "territory.stolen"))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, "territory.stolen", handler.last.EventType)
	require.Equal(t, "alice", handler.last.UserID)
	require.Equal(t, "territory_steals-value", handler.last.SchemaSubject)
	require.Equal(t, 42, handler.last.SchemaID)
	require.JSONEq(t, stealPayload, string(handler.last.Payload))
	require.InDelta(t, before+1, testutil.ToFloat64(processedCounter.WithLabelValues("territory_steals", "territory.stolen")), 0.0001)
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{stealMessage(20, stealPayload)},
		after:    contextCanceled,
	}
	handler := &stubHandler{err: errors.New("boom"), failFirst: -1}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)), WithHandlerRetries(2, time.Millisecond))
	before := testutil.ToFloat64(handlerErrorCounter.WithLabelValues("territory_steals", "territory.stolen"))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 3, handler.calls)
	require.Equal(t, 0, reader.commitCalls)
	require.InDelta(t, before+1, testutil.ToFloat64(handlerErrorCounter.WithLabelValues("territory_steals", "territory.stolen")), 0.0001)
}

func TestProcessorRetriesTransientHandlerErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{stealMessage(30, stealPayload)},
		after:    contextCanceled,
	}
	handler := &stubHandler{err: errors.New("connection reset"), failFirst: 2}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)), WithHandlerRetries(3, time.Millisecond))
	require.ErrorIs(t, processor.Run(ctx), context.Canceled)

	require.Equal(t, 3, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
}

func TestProcessorCommitsAndSkipsUndecodableMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	missingHeader := stealMessage(1, stealPayload)
	missingHeader.Headers = nil
	schemaViolation := stealMessage(2, `{"activity_id":"act-1"}`)
	short := stealMessage(3, "")
	short.Value = []byte{0, 1}

	reader := &stubReader{
		messages: []kafka.Message{missingHeader, schemaViolation, short},
		after:    contextCanceled,
	}
	handler := &stubHandler{}
	before := testutil.ToFloat64(decodeErrorCounter.WithLabelValues("territory_steals"))

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))
	require.ErrorIs(t, processor.Run(ctx), context.Canceled)

	require.Zero(t, handler.calls)
	require.Equal(t, 3, reader.commitCalls)
	require.InDelta(t, before+3, testutil.ToFloat64(decodeErrorCounter.WithLabelValues("territory_steals")), 0.0001)
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

// stubHandler fails its first failFirst calls with err, or every call when failFirst is negative.
type stubHandler struct {
	calls     int
	err       error
	failFirst int
	last      Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	if h.err != nil && (h.failFirst < 0 || h.calls <= h.failFirst) {
		return h.err
	}
	return nil
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}

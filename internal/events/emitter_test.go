package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quflux/publisher/internal/models"
)

func newTestStreamSink(t *testing.T) (*StreamSink, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStreamSink(client, "publications:events"), mr
}

func TestStreamSinkAppendsEvent(t *testing.T) {
	sink, mr := newTestStreamSink(t)

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := sink.OnPublicationEvent(context.Background(), models.PublicationEvent{
		ScheduleID:   "sched-1",
		Platform:     models.PlatformTwitter,
		Outcome:      models.StatusPublished,
		RemotePostID: "tw-42",
		OccurredAt:   occurred,
	})
	require.NoError(t, err)

	entries, err := mr.Stream("publications:events")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	fields := map[string]string{}
	for i := 0; i+1 < len(entries[0].Values); i += 2 {
		fields[entries[0].Values[i]] = entries[0].Values[i+1]
	}
	require.Equal(t, "sched-1", fields["schedule_id"])
	require.Equal(t, models.PlatformTwitter, fields["platform"])
	require.Equal(t, models.StatusPublished, fields["outcome"])
	require.Equal(t, "tw-42", fields["remote_post_id"])
	require.Equal(t, occurred.Format(time.RFC3339), fields["occurred_at"])
	_, hasDetail := fields["error_detail"]
	require.False(t, hasDetail, "empty error detail is omitted")
}

func TestStreamSinkFailureEventCarriesDetail(t *testing.T) {
	sink, mr := newTestStreamSink(t)

	err := sink.OnPublicationEvent(context.Background(), models.PublicationEvent{
		ScheduleID:  "sched-1",
		Platform:    models.PlatformLinkedIn,
		Outcome:     models.StatusFailed,
		ErrorDetail: "content rejected",
		OccurredAt:  time.Now(),
	})
	require.NoError(t, err)

	entries, err := mr.Stream("publications:events")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	fields := map[string]string{}
	for i := 0; i+1 < len(entries[0].Values); i += 2 {
		fields[entries[0].Values[i]] = entries[0].Values[i+1]
	}
	require.Equal(t, models.StatusFailed, fields["outcome"])
	require.Equal(t, "content rejected", fields["error_detail"])
	_, hasRemote := fields["remote_post_id"]
	require.False(t, hasRemote)
}

type failingSink struct{ calls int }

func (s *failingSink) OnPublicationEvent(context.Context, models.PublicationEvent) error {
	s.calls++
	return errors.New("sink down")
}

func TestEmitSwallowsSinkErrors(t *testing.T) {
	sink := &failingSink{}
	e := NewEmitter(sink)

	// Must not panic or propagate; transitions never roll back on sink errors.
	e.Emit(context.Background(), models.PublicationEvent{
		ScheduleID: "sched-1",
		Platform:   models.PlatformTwitter,
		Outcome:    models.StatusFailed,
	})
	require.Equal(t, 1, sink.calls)
}

func TestEmitNilEmitterIsNoOp(t *testing.T) {
	var e *Emitter
	e.Emit(context.Background(), models.PublicationEvent{})

	e = NewEmitter(nil)
	e.Emit(context.Background(), models.PublicationEvent{})
}

package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/fedrun/internal/eventbus"
)

type blockingCoord struct {
	topic   string
	release chan struct{}
	handled atomic.Int32
}

func (c *blockingCoord) Name() string  { return "blocking" }
func (c *blockingCoord) Topic() string { return c.topic }

func (c *blockingCoord) Handle(ctx context.Context, _ eventbus.Event) error {
	c.handled.Add(1)
	select {
	case <-c.release:
	case <-ctx.Done():
	}
	return errBoom
}

func runStart(topic, runID string) eventbus.Event {
	return eventbus.Event{Topic: topic, Payload: map[string]any{"run_id": runID}}
}

func TestDispatcher_RoutesAndDedupes(t *testing.T) {
	central := &blockingCoord{topic: eventbus.TopicRunStartCentral, release: make(chan struct{})}
	member := &blockingCoord{topic: eventbus.TopicRunStartParticipant, release: make(chan struct{})}
	d := NewDispatcher(context.Background(), zaptest.NewLogger(t), central, member)

	assert.Equal(t, []string{eventbus.TopicRunStartCentral, eventbus.TopicRunStartParticipant}, d.Topics())

	assert.True(t, d.Dispatch(runStart(eventbus.TopicRunStartCentral, "r1")))
	assert.False(t, d.Dispatch(runStart(eventbus.TopicRunStartCentral, "r1")), "duplicate while in flight")
	assert.True(t, d.Dispatch(runStart(eventbus.TopicRunStartParticipant, "r1")), "other topic, same run")
	assert.True(t, d.Dispatch(runStart(eventbus.TopicRunStartCentral, "r2")))
	assert.False(t, d.Dispatch(runStart("run_status", "r3")))

	assert.Equal(t, []string{"r1", "r2"}, d.InFlight())

	close(central.release)
	close(member.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
	assert.Empty(t, d.InFlight())
	assert.EqualValues(t, 2, central.handled.Load())

	// a restart after the pipeline ended runs again
	assert.True(t, d.Dispatch(runStart(eventbus.TopicRunStartCentral, "r1")))
	require.NoError(t, d.Wait(ctx))
	assert.EqualValues(t, 3, central.handled.Load())
}

func TestDispatcher_CloseRejectsNewRuns(t *testing.T) {
	c := &blockingCoord{topic: eventbus.TopicRunStartCentral, release: make(chan struct{})}
	d := NewDispatcher(context.Background(), zaptest.NewLogger(t), c)

	require.True(t, d.Dispatch(runStart(eventbus.TopicRunStartCentral, "r1")))
	d.Close()
	assert.False(t, d.Dispatch(runStart(eventbus.TopicRunStartCentral, "r2")))
	assert.Equal(t, []string{"r1"}, d.InFlight(), "running pipelines continue")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	close(c.release)
	require.NoError(t, d.Wait(context.Background()))
}

package daemon

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFillsDefaults(t *testing.T) {
	t.Parallel()

	eb := NewEventBus(10)
	eb.Publish(Event{Type: EventRestart, Message: "t1 worker restart 1"})
	eb.Publish(Event{Type: EventResponse, Message: "t1: replied in !room", Level: "warn"})

	got := eb.Recent(0)
	require.Len(t, got, 2)
	assert.Equal(t, "warn", got[0].Level)
	assert.Equal(t, "warn", got[1].Level, "explicit level is kept")
	assert.NotEmpty(t, got[0].TS)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestRecentIsBounded(t *testing.T) {
	t.Parallel()

	eb := NewEventBus(3)
	for i := range 5 {
		eb.Publish(Event{Type: EventStatus, Message: fmt.Sprint(i)})
	}
	got := eb.Recent(10)
	require.Len(t, got, 3)
	assert.Equal(t, "2", got[0].Message)
	assert.Equal(t, "4", got[2].Message)
	assert.Len(t, eb.Recent(1), 1)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	eb := NewEventBus(0)
	events, done := eb.Subscribe()
	assert.Equal(t, 1, eb.SubscriberCount())

	for range 200 {
		eb.Publish(Event{Type: EventStatus})
	}
	assert.Len(t, events, 64)

	eb.Unsubscribe(done)
	assert.Zero(t, eb.SubscriberCount())
	n := 0
	for range events {
		n++
	}
	assert.Equal(t, 64, n, "channel is closed after draining")
}

func TestLevelFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "error", LevelFor(EventAIFailure))
	assert.Equal(t, "error", LevelFor(EventAlert))
	assert.Equal(t, "warn", LevelFor(EventRestart))
	assert.Equal(t, "info", LevelFor(EventCommand))
}

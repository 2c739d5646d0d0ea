package jobstatus

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	generationdomain "github.com/smallbiznis/genbroker/internal/generation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(jobID snowflake.ID, state generationdomain.State, progress int) generationdomain.Event {
	return generationdomain.Event{JobID: jobID, State: state, Progress: progress, UpdatedAt: time.Now()}
}

func TestHubDeliversToSubscribers(t *testing.T) {
	hub := NewHub()
	sub, replay := hub.Subscribe(1, "")
	defer sub.Close()
	assert.Empty(t, replay)

	hub.Publish(context.Background(), event(1, generationdomain.StateProcessing, 10))
	hub.Publish(context.Background(), event(2, generationdomain.StateProcessing, 10))

	select {
	case msg := <-sub.C:
		assert.Equal(t, snowflake.ID(1), msg.Event.JobID)
		assert.NotEmpty(t, msg.ID)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
	select {
	case msg := <-sub.C:
		t.Fatalf("unexpected event for job %d", msg.Event.JobID)
	default:
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := newHub(50, 2)
	sub, _ := hub.Subscribe(1, "")
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		hub.Publish(context.Background(), event(1, generationdomain.StateProcessing, i*10))
	}
	assert.Len(t, sub.C, 2)
}

func TestHubRingReplayAfterLastEventID(t *testing.T) {
	hub := newHub(3, 16)
	for i := 1; i <= 5; i++ {
		hub.Publish(context.Background(), event(9, generationdomain.StateProcessing, i*10))
	}

	first, all := hub.Subscribe(9, "0")
	first.Close()
	require.Len(t, all, 3, "ring keeps only the newest entries")
	assert.Equal(t, 30, all[0].Event.Progress)

	sub, replay := hub.Subscribe(9, all[0].ID)
	defer sub.Close()
	require.Len(t, replay, 2)
	assert.Equal(t, 40, replay[0].Event.Progress)
	assert.Equal(t, 50, replay[1].Event.Progress)
}

func TestHubDeduplicatesByID(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.Subscribe(4, "")
	defer sub.Close()

	msg := Message{ID: "01J000000000000000000000AA", Event: event(4, generationdomain.StateMerging, 70)}
	hub.deliver(msg)
	hub.deliver(msg)
	assert.Len(t, sub.C, 1)
}

func TestHubForgetsTerminalTopics(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.Subscribe(5, "")
	hub.Publish(context.Background(), event(5, generationdomain.StateCompleted, 100))
	assert.Equal(t, 1, hub.topicCount())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.topicCount())

	hub.Publish(context.Background(), event(6, generationdomain.StateFailed, 0))
	assert.Equal(t, 0, hub.topicCount())
}

package server

import (
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmalik/finsights/internal/pipeline"
)

func TestEventHub_FanOutAndUnsubscribe(t *testing.T) {
	hub := newEventHub()
	jobID := uuid.New()

	a, cancelA := hub.subscribe(jobID)
	b, cancelB := hub.subscribe(jobID)
	defer cancelB()

	hub.publish(jobID, pipeline.ProgressEvent{Stage: "verify", Event: "started"})
	assert.Equal(t, "verify", (<-a).Stage)
	assert.Equal(t, "verify", (<-b).Stage)

	// Other jobs' events do not cross over.
	hub.publish(uuid.New(), pipeline.ProgressEvent{Stage: "extract", Event: "started"})
	select {
	case ev := <-a:
		t.Fatalf("unexpected event for another job: %+v", ev)
	default:
	}

	cancelA()
	hub.publish(jobID, pipeline.ProgressEvent{Stage: "extract", Event: "started"})
	select {
	case ev := <-a:
		t.Fatalf("event after unsubscribe: %+v", ev)
	default:
	}
	assert.Equal(t, "extract", (<-b).Stage)
}

func TestEventHub_PublishNeverBlocks(t *testing.T) {
	hub := newEventHub()
	jobID := uuid.New()

	_, cancel := hub.subscribe(jobID)
	defer cancel()

	// Far more events than the subscriber buffer holds; the pipeline side
	// must not stall on a slow reader.
	for i := 0; i < 100; i++ {
		hub.publish(jobID, pipeline.ProgressEvent{Stage: "risk", Event: "started"})
	}
}

func TestSSEStream_WireFormat(t *testing.T) {
	w := httptest.NewRecorder()
	stream, err := newSSEStream(w)
	require.NoError(t, err)

	require.NoError(t, stream.event("stage", pipeline.ProgressEvent{Stage: "verify", Event: "started"}))
	stream.complete("job-1", "completed")

	body := w.Body.String()
	assert.Contains(t, body, "event: stage\ndata: {\"stage\":\"verify\",\"event\":\"started\"}\n\n")
	assert.Contains(t, body, "event: complete\n")
	assert.Contains(t, body, `"job_id":"job-1"`)
	assert.Contains(t, body, `"status":"completed"`)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
}

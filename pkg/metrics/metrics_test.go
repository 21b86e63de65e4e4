package metrics

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestAsyncObserverDeliversBeforeClose(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 8)
	for i := 0; i < 5; i++ {
		async.RecordEvent(MetricsEvent{Name: EventTurnCompleted, Time: time.Now(), Value: float64(i)})
	}
	async.Close()
	async.RecordEvent(MetricsEvent{Name: EventTurnCompleted})

	if got := len(mem.Named(EventTurnCompleted)); got != 5 {
		t.Fatalf("expected 5 events, got %d", got)
	}
}

func TestMultiObserverSkipsNil(t *testing.T) {
	a, b := NewMemoryObserver(), NewMemoryObserver()
	NewMultiObserver(a, nil, b).RecordEvent(MetricsEvent{Name: EventSessionClosed})
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("expected fan-out to both observers")
	}
}

func TestJSONLObserverWritesTags(t *testing.T) {
	var buf bytes.Buffer
	NewJSONLObserver(&buf).RecordEvent(MetricsEvent{
		Name:  EventSessionClosed,
		Time:  time.Unix(0, 0),
		Value: 12,
		Tags:  map[string]string{"call_id": "CA1"},
	})
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["name"] != EventSessionClosed || line["call_id"] != "CA1" {
		t.Fatalf("unexpected line %v", line)
	}
}

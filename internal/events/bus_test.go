package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/snarg/transcript-engine/internal/jobs"
)

func status(id string, state jobs.State) jobs.Status {
	return jobs.Status{JobID: id, WorkflowState: state}
}

func TestBusPublishSubscribe(t *testing.T) {
	t.Run("subscriber_receives_status", func(t *testing.T) {
		b := NewBus(16)
		ch, cancel := b.Subscribe(Filter{})
		defer cancel()

		b.PublishStatus(context.Background(), status("j1", jobs.StateTranscribing))

		select {
		case e := <-ch:
			if e.Type != TypeJobStatus || e.JobID != "j1" || e.ID == "" {
				t.Errorf("event = %+v", e)
			}
			var st jobs.Status
			if err := json.Unmarshal(e.Data, &st); err != nil {
				t.Fatalf("data: %v", err)
			}
			if st.WorkflowState != jobs.StateTranscribing {
				t.Errorf("state = %q", st.WorkflowState)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("job_filter", func(t *testing.T) {
		b := NewBus(16)
		ch, cancel := b.Subscribe(Filter{JobIDs: []string{"j2"}})
		defer cancel()

		b.PublishStatus(context.Background(), status("j1", jobs.StateUploaded))

		select {
		case e := <-ch:
			t.Fatalf("unexpected event %+v", e)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("cancel_stops_delivery", func(t *testing.T) {
		b := NewBus(16)
		_, cancel := b.Subscribe(Filter{})
		cancel()
		if n := b.SubscriberCount(); n != 0 {
			t.Errorf("SubscriberCount = %d after cancel", n)
		}
	})
}

func TestBusReplaySince(t *testing.T) {
	b := NewBus(3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		b.PublishStatus(ctx, status(id, jobs.StateUploaded))
	}

	all := b.ReplaySince("", Filter{})
	if len(all) != 3 {
		t.Fatalf("buffer holds %d events, want 3", len(all))
	}
	if all[0].JobID != "b" || all[2].JobID != "d" {
		t.Errorf("replay order = %s..%s, want b..d", all[0].JobID, all[2].JobID)
	}

	after := b.ReplaySince(all[0].ID, Filter{})
	if len(after) != 2 || after[0].JobID != "c" {
		t.Errorf("ReplaySince(b) = %+v", after)
	}

	if got := b.ReplaySince("unknown", Filter{}); len(got) != 0 {
		t.Errorf("unknown id replayed %d events", len(got))
	}
	if got := b.ReplaySince("", Filter{JobIDs: []string{"c"}}); len(got) != 1 {
		t.Errorf("filtered replay = %d events, want 1", len(got))
	}
}

type recorder struct {
	published []string
	cleared   []string
}

func (r *recorder) PublishStatus(_ context.Context, st jobs.Status) {
	r.published = append(r.published, st.JobID)
}
func (r *recorder) ClearStatus(id string) { r.cleared = append(r.cleared, id) }

func TestMulti(t *testing.T) {
	r := &recorder{}
	b := NewBus(4)
	m := Multi{b, r}

	m.PublishStatus(context.Background(), status("j1", jobs.StateCompleted))
	m.ClearStatus("j1")

	if len(r.published) != 1 || len(r.cleared) != 1 {
		t.Errorf("recorder = %+v", r)
	}
	if len(b.ReplaySince("", Filter{})) != 1 {
		t.Error("bus did not receive event")
	}
}

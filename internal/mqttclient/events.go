package mqttclient

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/transcript-engine/internal/jobs"
	"github.com/snarg/transcript-engine/internal/metrics"
)

// Publisher is the subset of Client used for events.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// Events publishes job status projections under {prefix}/jobs/{id}/status.
type Events struct {
	pub    Publisher
	prefix string
	log    zerolog.Logger
}

func NewEvents(pub Publisher, prefix string, log zerolog.Logger) *Events {
	return &Events{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "/"),
		log:    log.With().Str("component", "mqtt-events").Logger(),
	}
}

// StatusTopic returns the topic carrying a job's status.
func (e *Events) StatusTopic(jobID string) string {
	return e.prefix + "/jobs/" + jobID + "/status"
}

// CommandFilter matches stage commands: {prefix}/jobs/{id}/stages/{stage}.
func (e *Events) CommandFilter() string {
	return CommandFilter(e.prefix)
}

// CommandFilter is the subscription used before an Events value exists.
func CommandFilter(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/jobs/+/stages/+"
}

// PublishStatus never fails the caller; a lost event is logged.
func (e *Events) PublishStatus(ctx context.Context, st jobs.Status) {
	payload, err := json.Marshal(st)
	if err != nil {
		e.log.Error().Err(err).Str("job_id", st.JobID).Msg("encode status event")
		return
	}
	if err := e.pub.Publish(e.StatusTopic(st.JobID), true, payload); err != nil {
		e.log.Warn().Err(err).Str("job_id", st.JobID).Msg("status event not published")
		return
	}
	metrics.EventsPublishedTotal.Inc()
}

// ClearStatus removes the retained status of a deleted job.
func (e *Events) ClearStatus(jobID string) {
	if err := e.pub.Publish(e.StatusTopic(jobID), true, nil); err != nil {
		e.log.Warn().Err(err).Str("job_id", jobID).Msg("retained status not cleared")
	}
}

// ParseCommand extracts the job id and stage from a command topic.
func (e *Events) ParseCommand(topic string) (string, jobs.Stage, bool) {
	rest, ok := strings.CutPrefix(topic, e.prefix+"/jobs/")
	if !ok {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] != "stages" {
		return "", "", false
	}
	stage, err := jobs.ParseStage(parts[2])
	if err != nil {
		return "", "", false
	}
	return parts[0], stage, true
}

// StageStarter is satisfied by the pipeline orchestrator.
type StageStarter interface {
	StartStage(ctx context.Context, id string, stage jobs.Stage) (*jobs.Job, bool, error)
}

// CommandHandler returns a MessageHandler that starts stages requested over
// MQTT. The payload is ignored.
func (e *Events) CommandHandler(ctx context.Context, starter StageStarter) MessageHandler {
	return func(topic string, _ []byte) {
		id, stage, ok := e.ParseCommand(topic)
		if !ok {
			e.log.Debug().Str("topic", topic).Msg("ignoring unrecognized command topic")
			return
		}
		_, started, err := starter.StartStage(ctx, id, stage)
		if err != nil {
			e.log.Warn().Err(err).Str("job_id", id).Str("stage", string(stage)).Msg("mqtt stage command rejected")
			return
		}
		e.log.Info().Str("job_id", id).Str("stage", string(stage)).Bool("started", started).Msg("mqtt stage command")
	}
}

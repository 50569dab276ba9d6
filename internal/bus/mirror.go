package bus

import (
	"log/slog"

	"github.com/loqalabs/abogen/internal/events"
	"github.com/loqalabs/abogen/internal/protocol"
)

// Mirror republishes every job event on abogen.jobs.<id>.events. It is an
// events.Sink; publish failures are logged and dropped.
type Mirror struct {
	client *Client
	log    *slog.Logger
}

func NewMirror(client *Client) *Mirror {
	return &Mirror{client: client, log: client.log.With(slog.String("sink", "mirror"))}
}

func (m *Mirror) Append(jobID string, evt events.Event) {
	if !m.client.Healthy() {
		return
	}
	msg := protocol.JobEvent{JobID: jobID, Event: evt}
	if err := m.client.PublishJSON(protocol.JobEventsSubject(jobID), msg); err != nil {
		m.log.Warn("mirror event failed",
			slog.String("job_id", jobID),
			slog.Uint64("seq", evt.Seq),
			slog.String("error", err.Error()),
		)
	}
}

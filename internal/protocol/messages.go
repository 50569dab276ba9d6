// Package protocol holds the wire messages shared by the HTTP API, the
// NATS request/reply service and the CLI.
package protocol

import (
	"errors"

	"github.com/loqalabs/abogen/internal/engine"
	"github.com/loqalabs/abogen/internal/events"
	"github.com/loqalabs/abogen/internal/failure"
	"github.com/loqalabs/abogen/internal/job"
)

const (
	SubjectJobSubmit = "abogen.jobs.submit"
	SubjectJobStatus = "abogen.jobs.status"
	SubjectJobCancel = "abogen.jobs.cancel"
	SubjectJobList   = "abogen.jobs.list"

	subjectJobPrefix = "abogen.jobs."
	subjectEvents    = ".events"
)

// JobEventsSubject is where every event of jobID is mirrored.
func JobEventsSubject(jobID string) string {
	return subjectJobPrefix + jobID + subjectEvents
}

// SubmitRequest is the body of a submit call.
type SubmitRequest = job.Request

// JobRef addresses an existing job.
type JobRef struct {
	JobID string `json:"job_id"`
}

// SubmitReply answers a submit call.
type SubmitReply struct {
	JobID string     `json:"job_id,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// StatusReply answers status and cancel calls.
type StatusReply struct {
	Job   *job.Info  `json:"job,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ListReply answers a list call.
type ListReply struct {
	Jobs  []job.Info `json:"jobs"`
	Error *ErrorBody `json:"error,omitempty"`
}

// EngineEntry is one row of the engine catalogue.
type EngineEntry struct {
	engine.Info
	Default bool `json:"default"`
}

// VoicesReply lists an engine's voices and capability flags.
type VoicesReply struct {
	Engine                 string   `json:"engine"`
	Voices                 []string `json:"voices"`
	SupportsVoiceMixing    bool     `json:"supports_voice_mixing"`
	RequiresReferenceAudio bool     `json:"requires_reference_audio"`
	SampleRate             int      `json:"sample_rate,omitempty"`
}

// JobEvent is the payload published on JobEventsSubject.
type JobEvent struct {
	JobID string       `json:"job_id"`
	Event events.Event `json:"event"`
}

// Error codes carried in ErrorBody.Code.
const (
	CodeBadRequest      = "bad_request"
	CodeNotFound        = "not_found"
	CodeAlreadyFinished = "already_finished"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

// ErrorBody is the error envelope of every reply.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorBody) Error() string { return e.Code + ": " + e.Message }

// ErrorFrom classifies err into an ErrorBody.
func ErrorFrom(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	code := CodeInternal
	switch {
	case errors.Is(err, job.ErrInvalidRequest):
		code = CodeBadRequest
	case errors.Is(err, job.ErrNotFound), errors.Is(err, events.ErrUnknownJob),
		errors.Is(err, failure.Of(failure.EngineUnavailable)):
		code = CodeNotFound
	case errors.Is(err, job.ErrAlreadyFinished):
		code = CodeAlreadyFinished
	case errors.Is(err, job.ErrClosed):
		code = CodeUnavailable
	}
	return &ErrorBody{Code: code, Message: err.Error()}
}

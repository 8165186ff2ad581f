// ABOUTME: Terminal-state hooks for outbound jobs
// ABOUTME: Failures push send_failed to the originating agent and admins; both outcomes emit domain events

package gateway

import (
	"github.com/2389/coven-desk/internal/dispatch"
	"github.com/2389/coven-desk/internal/presence"
	"github.com/2389/coven-desk/internal/realtime"
	"github.com/2389/coven-desk/internal/store"
)

// SendFailedEvent is the payload of the send_failed realtime event.
type SendFailedEvent struct {
	JobID   string `json:"jobId"`
	To      string `json:"to"`
	AgentID string `json:"agentId,omitempty"`
	Kind    string `json:"kind"`
	Error   string `json:"error"`
}

func (g *Gateway) onJobSent(job *dispatch.Job, msg *store.Message) {
	g.emitter.JobSent(job, msg)
}

func (g *Gateway) onJobFailed(job *dispatch.Job, err error) {
	ev := presence.Event{Name: realtime.EventSendFailed, Data: SendFailedEvent{
		JobID:   job.ID,
		To:      job.Recipient,
		AgentID: job.AgentID,
		Kind:    job.Kind(),
		Error:   err.Error(),
	}}
	if job.AgentID != "" {
		g.fanout.PushToAgent(job.AgentID, ev)
	}
	g.fanout.PushToAdmins(ev)
	g.emitter.JobFailed(job, err)
}

// Package dispatch runs outbound sends in the background.
//
// # Queue
//
// Enqueue appends a Job to an unbounded FIFO and returns its ID at once; the
// HTTP request that produced the job completes before the job runs. A fixed
// pool of MaxConcurrent workers drains the FIFO, so at most that many jobs are
// transcoding, uploading or calling the provider at any moment.
//
// # Jobs
//
// SendRunner executes a job in four steps:
//
//  1. Voice notes recorded as WebM are transcoded to Ogg/Opus
//  2. Binary media is uploaded for a provider media id
//  3. The payload variant (text, image, document, audio) is sent
//  4. The agent-authored message is appended and the conversation touched
//
// # Failure Policy
//
// The first failing step ends the job. It is logged with job id, kind and
// recipient, its Status becomes failed with the error text, and Hooks.OnFailed
// runs. There is no retry and no dead-letter queue; Attempt is always 1.
//
// # Status
//
// The last StatusHistory job statuses (queued, running, sent, failed) are kept
// in an LRU so callers can poll a job they enqueued.
package dispatch

// Package events publishes desk domain events to an AMQP topic exchange.
//
// Every event is wrapped in an Envelope with a Meta header (id, type, time,
// producer) and published with the event type as routing key, so consumers
// can bind to "desk.message.*" or a single type. Publishing is best effort:
// Emitter buffers events and drops them when the buffer is full or the
// broker is unavailable. Desk operations never wait on the broker.
package events

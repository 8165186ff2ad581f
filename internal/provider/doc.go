// Package provider is the client for the WhatsApp Cloud (Graph) API.
//
// Client covers the four calls the desk makes against the provider:
//
//   - Send(ctx, to, payload): POST /{phone-number-id}/messages
//   - UploadMedia(ctx, data, mime, name): POST /{phone-number-id}/media (multipart)
//   - GetMediaInfo(ctx, id): GET /{media-id}, resolving a short-lived URL
//   - Download(ctx, url): authorized GET bounded by MaxMediaBytes
//
// Each call runs under its own timeout (Config.Timeout). Transport errors,
// timeouts and non-2xx responses all satisfy errors.Is(err, ErrUpstream);
// non-2xx responses are *APIError values carrying the Graph error body.
//
// Payload is a closed set of outbound variants (TextPayload, ImagePayload,
// DocumentPayload, AudioPayload). WebhookPayload and VerifySubscription model
// the inbound side.
package provider

// Package media prepares binary payloads for the provider.
//
// Transcode converts browser voice recordings (WebM) to Ogg/Opus with ffmpeg:
//
//	ffmpeg -loglevel error -y -i IN -ac 1 -ar 48000 -c:a libopus -b:a 48k OUT
//
// The input and output live in uniquely named scratch files that are removed
// on every exit path, including tool failure, timeout and read failure. The
// tool runs under Config.Timeout and is killed when it expires.
//
// Upload hands a binary to the provider's media endpoint and returns the
// media id the provider issued.
package media

// ABOUTME: Tests for SendRunner payload selection and recording.
// ABOUTME: Uses fake provider and media collaborators with a MockStore-backed conversation service.

package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/provider"
	"github.com/2389/coven-desk/internal/routing"
	"github.com/2389/coven-desk/internal/store"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []provider.Payload
	to       []string
	err      error
	inflight *inflightGauge
}

func (f *fakeSender) Send(ctx context.Context, to string, p provider.Payload) (string, error) {
	if f.inflight != nil {
		defer f.inflight.enter()()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, p)
	f.to = append(f.to, to)
	return "wamid.out." + to + "." + p.Type() + "." + time.Now().Format("150405.000000000"), nil
}

type fakeMedia struct {
	mu          sync.Mutex
	transcoded  int
	uploads     []string // mime types
	uploadErr   error
	transErr    error
	inflight    *inflightGauge
	uploadDelay time.Duration
}

func (f *fakeMedia) Transcode(ctx context.Context, data []byte, sourceMime string) ([]byte, string, error) {
	if f.inflight != nil {
		defer f.inflight.enter()()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transErr != nil {
		return nil, "", f.transErr
	}
	f.transcoded++
	return append([]byte("OGG:"), data...), "audio/ogg", nil
}

func (f *fakeMedia) Upload(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	if f.inflight != nil {
		defer f.inflight.enter()()
	}
	time.Sleep(f.uploadDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, mimeType)
	return "media-" + filename, nil
}

// inflightGauge tracks peak simultaneous calls into media and provider.
type inflightGauge struct {
	n    atomic.Int32
	peak atomic.Int32
}

func (g *inflightGauge) enter() func() {
	n := g.n.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return func() { g.n.Add(-1) }
}

func newRunnerFixture(t *testing.T) (*SendRunner, *fakeSender, *fakeMedia, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	require.NoError(t, s.CreateAgent(context.Background(), &store.Agent{ID: "a1", Username: "alice"}))
	require.NoError(t, s.CreateAgent(context.Background(), &store.Agent{ID: "a2", Username: "bob"}))
	svc := conversation.New(s, routing.NewAssigner(nil).Assign, nil, nil)
	sender := &fakeSender{}
	m := &fakeMedia{}
	return NewSendRunner(sender, m, svc, nil), sender, m, s
}

func TestRunner_PayloadSelection(t *testing.T) {
	tests := []struct {
		name       string
		content    store.Content
		want       provider.Payload
		uploads    []string
		transcodes int
	}{
		{
			name:    "text",
			content: store.Text{Body: "hello"},
			want:    provider.TextPayload{Body: "hello"},
		},
		{
			name:    "image with caption",
			content: store.Image{Media: store.Media{Data: []byte("PNG"), MimeType: "image/png"}, Caption: "look", Filename: "a.png"},
			want:    provider.ImagePayload{MediaID: "media-a.png", Caption: "look"},
			uploads: []string{"image/png"},
		},
		{
			name:    "document default filename",
			content: store.Document{Media: store.Media{Data: []byte("%PDF"), MimeType: "application/pdf"}},
			want:    provider.DocumentPayload{MediaID: "media-file", Filename: "file"},
			uploads: []string{"application/pdf"},
		},
		{
			name:    "document without mime",
			content: store.Document{Media: store.Media{Data: []byte("bin")}, Filename: "x.bin"},
			want:    provider.DocumentPayload{MediaID: "media-x.bin", Filename: "x.bin"},
			uploads: []string{"application/octet-stream"},
		},
		{
			name:       "webm voice note is transcoded",
			content:    store.Audio{Media: store.Media{Data: []byte("WEBM"), MimeType: "audio/webm;codecs=opus"}, VoiceNote: true},
			want:       provider.AudioPayload{MediaID: "media-voice.ogg"},
			uploads:    []string{"audio/ogg"},
			transcodes: 1,
		},
		{
			name:    "ogg voice note is uploaded as is",
			content: store.Audio{Media: store.Media{Data: []byte("OggS"), MimeType: "audio/ogg"}, VoiceNote: true},
			want:    provider.AudioPayload{MediaID: "media-voice.ogg"},
			uploads: []string{"audio/ogg"},
		},
		{
			name:    "existing handle skips upload",
			content: store.Image{Media: store.Media{Handle: "media-prior"}},
			want:    provider.ImagePayload{MediaID: "media-prior"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, sender, m, _ := newRunnerFixture(t)

			msg, err := r.Run(context.Background(), &Job{ID: "j1", Recipient: "+1555", Content: tt.content, AgentID: "a2"})
			require.NoError(t, err)
			require.NotNil(t, msg)

			require.Len(t, sender.sent, 1)
			assert.Equal(t, tt.want, sender.sent[0])
			assert.Equal(t, tt.uploads, m.uploads)
			assert.Equal(t, tt.transcodes, m.transcoded)
		})
	}
}

func TestRunner_RecordsAgentMessageOnNewConversation(t *testing.T) {
	r, _, _, s := newRunnerFixture(t)
	ctx := context.Background()

	job := &Job{ID: "j1", Recipient: "+1555", Content: store.Text{Body: "hello"}, AgentID: "a2"}
	msg, err := r.Run(ctx, job)
	require.NoError(t, err)

	conv, err := s.GetConversationByCustomer(ctx, "+1555")
	require.NoError(t, err)
	assert.Equal(t, "a2", conv.AssignedAgentID, "outbound first contact binds to the sending agent")
	assert.Equal(t, conv.ID, job.ConversationID)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.Equal(t, store.SenderAgent, msgs[0].Sender)
	assert.Equal(t, "a2", msgs[0].SenderID)
	assert.NotEmpty(t, msgs[0].ProviderMessageID)
}

func TestRunner_StoresTranscodedAudio(t *testing.T) {
	r, _, _, s := newRunnerFixture(t)
	ctx := context.Background()

	_, err := r.Run(ctx, &Job{ID: "j1", Recipient: "+1555", AgentID: "a1",
		Content: store.Audio{Media: store.Media{Data: []byte("WEBM"), MimeType: "audio/webm"}, VoiceNote: true}})
	require.NoError(t, err)

	conv, err := s.GetConversationByCustomer(ctx, "+1555")
	require.NoError(t, err)
	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.Audio{
		Media:     store.Media{Handle: "media-voice.ogg", Data: []byte("OGG:WEBM"), MimeType: "audio/ogg"},
		VoiceNote: true,
	}, msgs[0].Content)
}

func TestRunner_FailureStopsBeforeLaterSteps(t *testing.T) {
	t.Run("transcode failure", func(t *testing.T) {
		r, sender, m, s := newRunnerFixture(t)
		m.transErr = errors.New("ffmpeg exited 1")

		_, err := r.Run(context.Background(), &Job{Recipient: "+1", Content: store.Audio{Media: store.Media{Data: []byte("x"), MimeType: "audio/webm"}, VoiceNote: true}})
		require.Error(t, err)
		assert.Empty(t, m.uploads)
		assert.Empty(t, sender.sent)
		_, err = s.GetConversationByCustomer(context.Background(), "+1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("upload failure", func(t *testing.T) {
		r, sender, m, _ := newRunnerFixture(t)
		m.uploadErr = provider.ErrUpstream

		_, err := r.Run(context.Background(), &Job{Recipient: "+1", Content: store.Image{Media: store.Media{Data: []byte("x")}}})
		assert.ErrorIs(t, err, provider.ErrUpstream)
		assert.Empty(t, sender.sent)
	})

	t.Run("send failure records nothing", func(t *testing.T) {
		r, sender, _, s := newRunnerFixture(t)
		sender.err = provider.ErrUpstream

		_, err := r.Run(context.Background(), &Job{Recipient: "+1", Content: store.Text{Body: "x"}})
		assert.ErrorIs(t, err, provider.ErrUpstream)
		_, err = s.GetConversationByCustomer(context.Background(), "+1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("invalid content", func(t *testing.T) {
		r, _, _, _ := newRunnerFixture(t)
		_, err := r.Run(context.Background(), &Job{Recipient: "+1", Content: store.Text{}})
		assert.ErrorIs(t, err, ErrInvalidJob)
		_, err = r.Run(context.Background(), &Job{Recipient: "+1", Content: store.Image{}})
		assert.ErrorIs(t, err, ErrInvalidJob)
	})
}

func TestQueueWithRunner_AtMostTwoInsideMediaAndProvider(t *testing.T) {
	r, sender, m, _ := newRunnerFixture(t)
	gauge := &inflightGauge{}
	sender.inflight = gauge
	m.inflight = gauge
	m.uploadDelay = 10 * time.Millisecond

	q := NewQueue(Config{MaxConcurrent: 2}, r, nil)
	q.Start(t.Context())
	defer q.Shutdown(context.Background())

	var ids []string
	for i := 0; i < 8; i++ {
		id, err := q.Enqueue(&Job{
			Recipient: "+1555",
			AgentID:   "a1",
			Content:   store.Audio{Media: store.Media{Data: []byte("WEBM"), MimeType: "audio/webm"}, VoiceNote: true},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForState(t, q, id, StateSent)
	}

	assert.LessOrEqual(t, gauge.peak.Load(), int32(2))
}

// ABOUTME: Tagged message content variants (text, image, document, audio)
// ABOUTME: Each variant carries only the fields valid for its kind

package store

import "fmt"

// ContentKind names a content variant.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindImage    ContentKind = "image"
	KindDocument ContentKind = "document"
	KindAudio    ContentKind = "audio"
)

// Content is implemented by Text, Image, Document and Audio.
type Content interface {
	Kind() ContentKind
	isContent()
}

// Media is the payload source shared by the media variants. Either Handle (a provider
// media id or URL) or Data (materialized binary) is set; both may be set after materialization.
type Media struct {
	Handle   string
	Data     []byte
	MimeType string
}

// Materialized reports whether the binary is stored locally.
func (m Media) Materialized() bool { return len(m.Data) > 0 }

// Text is a plain text body.
type Text struct {
	Body string
}

// Image is a picture with an optional caption.
type Image struct {
	Media
	Caption  string
	Filename string
}

// Document is an arbitrary file.
type Document struct {
	Media
	Filename string
	Caption  string
}

// Audio is an audio clip; VoiceNote marks push-to-talk recordings.
type Audio struct {
	Media
	VoiceNote bool
}

func (Text) Kind() ContentKind     { return KindText }
func (Image) Kind() ContentKind    { return KindImage }
func (Document) Kind() ContentKind { return KindDocument }
func (Audio) Kind() ContentKind    { return KindAudio }

func (Text) isContent()     {}
func (Image) isContent()    {}
func (Document) isContent() {}
func (Audio) isContent()    {}

// MediaOf returns the media source of a content variant, or false for text.
func MediaOf(c Content) (Media, bool) {
	switch v := c.(type) {
	case Image:
		return v.Media, true
	case Document:
		return v.Media, true
	case Audio:
		return v.Media, true
	default:
		return Media{}, false
	}
}

// Preview returns a short human-readable summary used in admin listings.
func Preview(c Content) string {
	switch v := c.(type) {
	case Text:
		return v.Body
	case Image:
		if v.Caption != "" {
			return v.Caption
		}
		return "[image]"
	case Document:
		if v.Filename != "" {
			return "[document] " + v.Filename
		}
		return "[document]"
	case Audio:
		if v.VoiceNote {
			return "[voice note]"
		}
		return "[audio]"
	default:
		return "[media]"
	}
}

// contentRow is the sparse column form of a Content value.
type contentRow struct {
	kind      ContentKind
	body      string
	handle    string
	data      []byte
	mimeType  string
	filename  string
	voiceNote bool
}

func toRow(c Content) (contentRow, error) {
	switch v := c.(type) {
	case Text:
		return contentRow{kind: KindText, body: v.Body}, nil
	case Image:
		return contentRow{kind: KindImage, body: v.Caption, handle: v.Handle, data: v.Data, mimeType: v.MimeType, filename: v.Filename}, nil
	case Document:
		return contentRow{kind: KindDocument, body: v.Caption, handle: v.Handle, data: v.Data, mimeType: v.MimeType, filename: v.Filename}, nil
	case Audio:
		return contentRow{kind: KindAudio, handle: v.Handle, data: v.Data, mimeType: v.MimeType, voiceNote: v.VoiceNote}, nil
	case nil:
		return contentRow{}, fmt.Errorf("message content is required")
	default:
		return contentRow{}, fmt.Errorf("unsupported content type %T", c)
	}
}

func (r contentRow) content() (Content, error) {
	media := Media{Handle: r.handle, Data: r.data, MimeType: r.mimeType}
	switch r.kind {
	case KindText:
		return Text{Body: r.body}, nil
	case KindImage:
		return Image{Media: media, Caption: r.body, Filename: r.filename}, nil
	case KindDocument:
		return Document{Media: media, Caption: r.body, Filename: r.filename}, nil
	case KindAudio:
		return Audio{Media: media, VoiceNote: r.voiceNote}, nil
	default:
		return nil, fmt.Errorf("unknown content kind %q", r.kind)
	}
}

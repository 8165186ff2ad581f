// ABOUTME: Outbound message payload variants and their Graph API JSON form
// ABOUTME: Text, image, document and audio each carry only their own fields

package provider

// Payload is implemented by TextPayload, ImagePayload, DocumentPayload and AudioPayload.
type Payload interface {
	Type() string
	isPayload()
}

// TextPayload is a plain text message.
type TextPayload struct {
	Body string
}

// ImagePayload references an uploaded image.
type ImagePayload struct {
	MediaID string
	Caption string
}

// DocumentPayload references an uploaded file.
type DocumentPayload struct {
	MediaID  string
	Filename string
	Caption  string
}

// AudioPayload references an uploaded audio clip.
type AudioPayload struct {
	MediaID string
}

func (TextPayload) Type() string     { return "text" }
func (ImagePayload) Type() string    { return "image" }
func (DocumentPayload) Type() string { return "document" }
func (AudioPayload) Type() string    { return "audio" }

func (TextPayload) isPayload()     {}
func (ImagePayload) isPayload()    {}
func (DocumentPayload) isPayload() {}
func (AudioPayload) isPayload()    {}

type textBody struct {
	Body string `json:"body"`
}

type mediaRef struct {
	ID       string `json:"id"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// outboundMessage is the JSON body of POST /{phone-number-id}/messages.
type outboundMessage struct {
	MessagingProduct string    `json:"messaging_product"`
	RecipientType    string    `json:"recipient_type"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Text             *textBody `json:"text,omitempty"`
	Image            *mediaRef `json:"image,omitempty"`
	Document         *mediaRef `json:"document,omitempty"`
	Audio            *mediaRef `json:"audio,omitempty"`
}

func buildMessage(to string, p Payload) outboundMessage {
	msg := outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             p.Type(),
	}
	switch v := p.(type) {
	case TextPayload:
		msg.Text = &textBody{Body: v.Body}
	case ImagePayload:
		msg.Image = &mediaRef{ID: v.MediaID, Caption: v.Caption}
	case DocumentPayload:
		msg.Document = &mediaRef{ID: v.MediaID, Filename: v.Filename, Caption: v.Caption}
	case AudioPayload:
		msg.Audio = &mediaRef{ID: v.MediaID}
	}
	return msg
}

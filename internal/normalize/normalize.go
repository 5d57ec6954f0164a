package normalize

import (
	"strconv"
	"strings"
)

// RawKey identifies one message within a chat.
type RawKey struct {
	ID          string `json:"id"`
	RemoteJid   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	Participant string `json:"participant,omitempty"`
	SenderPn    string `json:"senderPn,omitempty"`
}

// RawTextMessage is the extended-text variant.
type RawTextMessage struct {
	Text string `json:"text"`
}

// RawMediaMessage covers image, video, audio and document descriptors. Media
// is referenced, never relayed.
type RawMediaMessage struct {
	Caption    string `json:"caption,omitempty"`
	Mimetype   string `json:"mimetype,omitempty"`
	FileLength uint64 `json:"fileLength,omitempty"`
	FileName   string `json:"fileName,omitempty"`
}

// RawContent is the decoded message body as surfaced by the transport.
type RawContent struct {
	Conversation        string           `json:"conversation,omitempty"`
	ExtendedTextMessage *RawTextMessage  `json:"extendedTextMessage,omitempty"`
	ImageMessage        *RawMediaMessage `json:"imageMessage,omitempty"`
	VideoMessage        *RawMediaMessage `json:"videoMessage,omitempty"`
	AudioMessage        *RawMediaMessage `json:"audioMessage,omitempty"`
	DocumentMessage     *RawMediaMessage `json:"documentMessage,omitempty"`
}

// RawEnvelope is one inbound message exactly as the transport handed it over.
type RawEnvelope struct {
	Key                   RawKey      `json:"key"`
	Message               *RawContent `json:"message,omitempty"`
	MessageStubType       int         `json:"messageStubType,omitempty"`
	MessageStubParameters []string    `json:"messageStubParameters,omitempty"`
	MessageTimestamp      int64       `json:"messageTimestamp,omitempty"`
}

// Content classification values.
const (
	ContentText    = "text"
	ContentMedia   = "media"
	ContentStub    = "stub"
	ContentUnknown = "unknown"
)

// Media describes referenced media without its bytes. File sizes are
// stringified so receivers never lose precision in JSON.
type Media struct {
	Kind       string `json:"kind"`
	Mimetype   string `json:"mimetype"`
	FileLength string `json:"fileLength,omitempty"`
	FileName   string `json:"fileName,omitempty"`
}

// Content is the classified message body.
type Content struct {
	Type  string  `json:"type"`
	Text  *string `json:"text"`
	Media *Media  `json:"media"`
}

// Message is the stable inbound representation handed to webhooks.
type Message struct {
	Kind       string  `json:"kind"`
	MessageID  string  `json:"messageId"`
	From       string  `json:"from"`
	ReplyToJid string  `json:"replyToJid"`
	RemoteJid  string  `json:"remoteJid"`
	SenderPn   string  `json:"senderPn,omitempty"`
	To         *string `json:"to"`
	Timestamp  *int64  `json:"timestamp"`
	Content    Content `json:"content"`
}

// Normalize converts a raw envelope into the stable representation. Pure: the
// result depends only on the envelope and ownJid.
func Normalize(env *RawEnvelope, ownJid string) *Message {
	msg := &Message{
		Kind:      "inbound_message",
		MessageID: env.Key.ID,
		RemoteJid: env.Key.RemoteJid,
		SenderPn:  env.Key.SenderPn,
		Content:   classify(env),
	}

	if ownJid != "" {
		to := CanonicalUserJid(ownJid)
		msg.To = &to
	}
	if env.MessageTimestamp > 0 {
		ts := env.MessageTimestamp
		msg.Timestamp = &ts
	}

	msg.From = resolveReplyJid(env.Key)
	msg.ReplyToJid = msg.From
	return msg
}

// resolveReplyJid picks the canonical reply address: groups and broadcasts as
// is, 1:1 prefers the phone-form address when the transport provided one.
func resolveReplyJid(key RawKey) string {
	if IsGroupOrBroadcast(key.RemoteJid) {
		return key.RemoteJid
	}
	if key.SenderPn != "" {
		return CanonicalUserJid(key.SenderPn)
	}
	return CanonicalUserJid(key.RemoteJid)
}

// classify applies the content rules in order; first match wins.
func classify(env *RawEnvelope) Content {
	text := extractText(env.Message)
	media := extractMedia(env.Message)

	if (env.MessageStubType != 0 || len(env.MessageStubParameters) > 0) && text == nil && media == nil {
		return Content{Type: ContentStub, Text: stubText(env.MessageStubParameters)}
	}
	if text != nil {
		return Content{Type: ContentText, Text: text}
	}
	if media != nil {
		return Content{Type: ContentMedia, Media: media}
	}
	return Content{Type: ContentUnknown}
}

func stubText(params []string) *string {
	joined := strings.TrimSpace(strings.Join(params, " "))
	if joined == "" {
		return nil
	}
	return &joined
}

func extractText(m *RawContent) *string {
	if m == nil {
		return nil
	}
	if m.Conversation != "" {
		return &m.Conversation
	}
	if m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != "" {
		return &m.ExtendedTextMessage.Text
	}
	if m.ImageMessage != nil && m.ImageMessage.Caption != "" {
		return &m.ImageMessage.Caption
	}
	if m.VideoMessage != nil && m.VideoMessage.Caption != "" {
		return &m.VideoMessage.Caption
	}
	return nil
}

func extractMedia(m *RawContent) *Media {
	if m == nil {
		return nil
	}
	for _, candidate := range []struct {
		kind string
		msg  *RawMediaMessage
	}{
		{"image", m.ImageMessage},
		{"video", m.VideoMessage},
		{"audio", m.AudioMessage},
		{"document", m.DocumentMessage},
	} {
		if candidate.msg == nil {
			continue
		}
		media := &Media{
			Kind:     candidate.kind,
			Mimetype: candidate.msg.Mimetype,
			FileName: candidate.msg.FileName,
		}
		if candidate.msg.FileLength > 0 {
			media.FileLength = strconv.FormatUint(candidate.msg.FileLength, 10)
		}
		return media
	}
	return nil
}

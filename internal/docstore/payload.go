package docstore

import (
	"encoding/json"
	"fmt"
)

type PayloadKind string

const (
	KindText     PayloadKind = "text"
	KindImage    PayloadKind = "image"
	KindVideo    PayloadKind = "video"
	KindDocument PayloadKind = "document"
)

// Payload is the content of a message: exactly one of Text, Image, Video or
// Document. Attachments only carry URLs to blobs stored elsewhere.
type Payload interface {
	Kind() PayloadKind
	PreviewText() string
	HasAttachment() bool
}

type Text struct {
	Body string `json:"body"`
}

type Image struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

type Video struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

type Document struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

func (Text) Kind() PayloadKind     { return KindText }
func (Image) Kind() PayloadKind    { return KindImage }
func (Video) Kind() PayloadKind    { return KindVideo }
func (Document) Kind() PayloadKind { return KindDocument }

func (Text) HasAttachment() bool     { return false }
func (Image) HasAttachment() bool    { return true }
func (Video) HasAttachment() bool    { return true }
func (Document) HasAttachment() bool { return true }

func (p Text) PreviewText() string { return p.Body }

func (p Image) PreviewText() string {
	if p.Caption != "" {
		return p.Caption
	}
	return "[Image]"
}

func (p Video) PreviewText() string {
	if p.Caption != "" {
		return p.Caption
	}
	return "[Video]"
}

func (p Document) PreviewText() string {
	if p.Name != "" {
		return p.Name
	}
	return "[Document]"
}

// EncodePayload splits a payload into its kind tag and JSON body.
func EncodePayload(p Payload) (PayloadKind, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("encode payload: nil")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode payload: %w", err)
	}
	return p.Kind(), b, nil
}

// DecodePayload rebuilds a payload from its kind tag and JSON body.
func DecodePayload(kind PayloadKind, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindText:
		var v Text
		err = json.Unmarshal(data, &v)
		p = v
	case KindImage:
		var v Image
		err = json.Unmarshal(data, &v)
		p = v
	case KindVideo:
		var v Video
		err = json.Unmarshal(data, &v)
		p = v
	case KindDocument:
		var v Document
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("decode payload: unknown kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

type taggedPayload struct {
	Kind PayloadKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	out := struct {
		plain
		Payload *taggedPayload `json:"payload,omitempty"`
	}{plain: plain(m)}
	if m.Payload != nil {
		kind, data, err := EncodePayload(m.Payload)
		if err != nil {
			return nil, err
		}
		out.Payload = &taggedPayload{Kind: kind, Data: data}
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	type plain Message
	var in struct {
		plain
		Payload *taggedPayload `json:"payload"`
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*m = Message(in.plain)
	if in.Payload != nil {
		p, err := DecodePayload(in.Payload.Kind, in.Payload.Data)
		if err != nil {
			return err
		}
		m.Payload = p
	}
	return nil
}

// Package message models the broadcast payload: a text message or one media item with caption.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type Kind string

const (
	KindText     Kind = "text"
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
)

// DefaultText is sent when a text message arrives without text.
const DefaultText = "Broadcast message"

// Media references an uploaded file. FileID is preferred over Source (a URL) when both are known.
type Media struct {
	FileID string `json:"file_id,omitempty"`
	Source string `json:"source,omitempty"`
}

// Value is the string the Bot API expects for the media parameter.
func (m Media) Value() string {
	if m.FileID != "" {
		return m.FileID
	}
	return m.Source
}

// Message is the normalized payload stored with a job.
type Message struct {
	Kind Kind   `json:"kind"`
	Text string `json:"text,omitempty"` // text body, or caption for media kinds
	// Media is set for every kind except text.
	Media *Media `json:"media,omitempty"`
	// ReplyMarkup is passed through verbatim on text messages only.
	ReplyMarkup json.RawMessage `json:"reply_markup,omitempty"`
}

// ErrInvalid wraps every payload rejection.
var ErrInvalid = errors.New("invalid message")

const inputSchema = `{
  "type": "object",
  "properties": {
    "text": {"type": "string"},
    "caption": {"type": "string"},
    "photo": {"oneOf": [
      {"type": "string", "minLength": 1},
      {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/file"}},
      {"$ref": "#/$defs/file"}
    ]},
    "video": {"$ref": "#/$defs/single"},
    "document": {"$ref": "#/$defs/single"},
    "audio": {"$ref": "#/$defs/single"},
    "reply_markup": {"type": "object"}
  },
  "$defs": {
    "file": {
      "type": "object",
      "required": ["file_id"],
      "properties": {"file_id": {"type": "string", "minLength": 1}}
    },
    "single": {"oneOf": [
      {"type": "string", "minLength": 1},
      {"$ref": "#/$defs/file"}
    ]}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource("message.json", strings.NewReader(inputSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("message.json")
	})
	return schema, schemaErr
}

// rawInput is the Telegram-style message object accepted from callers.
type rawInput struct {
	Text        string          `json:"text"`
	Caption     string          `json:"caption"`
	Photo       json.RawMessage `json:"photo"`
	Video       json.RawMessage `json:"video"`
	Document    json.RawMessage `json:"document"`
	Audio       json.RawMessage `json:"audio"`
	ReplyMarkup json.RawMessage `json:"reply_markup"`
}

// Parse validates a Telegram-style message object and normalizes it.
//
// The first present field wins in this order: photo, video, document, audio, text.
// A photo array carries several sizes; the last (largest) one is used.
func Parse(raw []byte) (*Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalid)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var in rawInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	media := []struct {
		kind Kind
		raw  json.RawMessage
	}{
		{KindPhoto, in.Photo},
		{KindVideo, in.Video},
		{KindDocument, in.Document},
		{KindAudio, in.Audio},
	}
	for _, m := range media {
		if len(m.raw) == 0 || string(m.raw) == "null" {
			continue
		}
		ref, err := decodeMedia(m.raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, m.kind, err)
		}
		return &Message{Kind: m.kind, Text: in.Caption, Media: &ref}, nil
	}

	text := in.Text
	if strings.TrimSpace(text) == "" {
		text = DefaultText
	}
	out := &Message{Kind: KindText, Text: text}
	if len(in.ReplyMarkup) > 0 && string(in.ReplyMarkup) != "null" {
		out.ReplyMarkup = in.ReplyMarkup
	}
	return out, nil
}

func decodeMedia(raw json.RawMessage) (Media, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return mediaFromString(s), nil
	}
	type file struct {
		FileID string `json:"file_id"`
	}
	var list []file
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return Media{}, errors.New("empty size list")
		}
		return Media{FileID: list[len(list)-1].FileID}, nil
	}
	var one file
	if err := json.Unmarshal(raw, &one); err != nil {
		return Media{}, err
	}
	return Media{FileID: one.FileID}, nil
}

func mediaFromString(s string) Media {
	s = strings.TrimSpace(s)
	low := strings.ToLower(s)
	if strings.HasPrefix(low, "http://") || strings.HasPrefix(low, "https://") {
		return Media{Source: s}
	}
	return Media{FileID: s}
}

// Decode reads a normalized message previously produced by json.Marshal.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode stored message: %w", err)
	}
	switch m.Kind {
	case KindText:
	case KindPhoto, KindVideo, KindDocument, KindAudio:
		if m.Media == nil || m.Media.Value() == "" {
			return nil, fmt.Errorf("decode stored message: %s without media", m.Kind)
		}
	default:
		return nil, fmt.Errorf("decode stored message: unknown kind %q", m.Kind)
	}
	return &m, nil
}

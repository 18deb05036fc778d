package message

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		kind    Kind
		text    string
		media   Media
		markup  bool
		wantErr bool
	}{
		{name: "text", raw: `{"text":"hello"}`, kind: KindText, text: "hello"},
		{name: "empty object uses default text", raw: `{}`, kind: KindText, text: DefaultText},
		{name: "text with markup", raw: `{"text":"hi","reply_markup":{"inline_keyboard":[[{"text":"go","url":"https://x"}]]}}`, kind: KindText, text: "hi", markup: true},
		{name: "photo sizes use last", raw: `{"photo":[{"file_id":"small"},{"file_id":"big"}],"caption":"cap"}`, kind: KindPhoto, text: "cap", media: Media{FileID: "big"}},
		{name: "photo url", raw: `{"photo":"https://cdn.example/p.jpg"}`, kind: KindPhoto, media: Media{Source: "https://cdn.example/p.jpg"}},
		{name: "photo wins over video", raw: `{"video":{"file_id":"v"},"photo":"p"}`, kind: KindPhoto, media: Media{FileID: "p"}},
		{name: "video object", raw: `{"video":{"file_id":"v1"},"caption":"c"}`, kind: KindVideo, text: "c", media: Media{FileID: "v1"}},
		{name: "document before audio", raw: `{"audio":"a","document":"d"}`, kind: KindDocument, media: Media{FileID: "d"}},
		{name: "audio", raw: `{"audio":{"file_id":"a1"}}`, kind: KindAudio, media: Media{FileID: "a1"}},
		{name: "markup dropped on media", raw: `{"photo":"p","reply_markup":{"inline_keyboard":[]}}`, kind: KindPhoto, media: Media{FileID: "p"}},
		{name: "not json", raw: `hello`, wantErr: true},
		{name: "array payload", raw: `[1,2]`, wantErr: true},
		{name: "empty photo list", raw: `{"photo":[]}`, wantErr: true},
		{name: "bad video type", raw: `{"video":42}`, wantErr: true},
		{name: "markup must be object", raw: `{"text":"x","reply_markup":"nope"}`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := Parse([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("Parse(%s) err = %v, want ErrInvalid", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%s) error: %v", tt.raw, err)
			}
			if m.Kind != tt.kind {
				t.Fatalf("Kind = %s, want %s", m.Kind, tt.kind)
			}
			if m.Text != tt.text {
				t.Fatalf("Text = %q, want %q", m.Text, tt.text)
			}
			if tt.kind != KindText && (m.Media == nil || *m.Media != tt.media) {
				t.Fatalf("Media = %+v, want %+v", m.Media, tt.media)
			}
			if (len(m.ReplyMarkup) > 0) != tt.markup {
				t.Fatalf("ReplyMarkup = %s, want present=%v", m.ReplyMarkup, tt.markup)
			}
		})
	}
}

func TestDecodeRoundTripsStoredForm(t *testing.T) {
	t.Parallel()
	m, err := Parse([]byte(`{"document":{"file_id":"doc"},"caption":"report"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.Kind != KindDocument || back.Media.Value() != "doc" || back.Text != "report" {
		t.Fatalf("Decode = %+v", back)
	}
	if _, err := Decode([]byte(`{"kind":"sticker"}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := Decode([]byte(`{"kind":"photo"}`)); err == nil {
		t.Fatal("expected error for media kind without media")
	}
}

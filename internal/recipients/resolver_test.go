package recipients

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	logx "tgcast/pkg/logx"
)

func TestInline(t *testing.T) {
	t.Parallel()
	r := New(Config{}, logx.Nop())
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"mixed delimiters", "1, 2;3|4\n5\r\n6", []string{"1", "2", "3", "4", "5", "6"}},
		{"dedupe keeps first", "7,8,7,9,8", []string{"7", "8", "9"}},
		{"blank fields", " ,,; |\n 10 ", []string{"10"}},
		{"usernames kept", "@alice,42", []string{"@alice", "42"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Inline(tt.in)
			if err != nil {
				t.Fatalf("Inline(%q) error: %v", tt.in, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Inline(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	if _, err := r.Inline(" , ;\n"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("empty input error = %v, want ErrEmpty", err)
	}
}

func TestParseList(t *testing.T) {
	t.Parallel()
	body := "# subscribers\n12345 alice\n\nid:-100200\n12345\nnot a number\n678,910"
	got := ParseList(body)
	want := []string{"12345", "-100200", "678", "910"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseList = %v, want %v", got, want)
	}
}

func TestFetch(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("1\n2\n2\n# 3\n4"))
	})
	mux.HandleFunc("/empty.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# nothing here\n\n"))
	})
	mux.HandleFunc("/big.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("1234567\n", 64)))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := New(Config{MaxBytes: 256, Client: srv.Client()}, logx.Nop())
	ctx := context.Background()

	got, err := r.Fetch(ctx, srv.URL+"/ok.txt")
	if err != nil {
		t.Fatalf("Fetch ok: %v", err)
	}
	if want := []string{"1", "2", "4"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Fetch ok = %v, want %v", got, want)
	}

	for _, path := range []string{"/missing.txt", "/empty.txt", "/big.txt"} {
		if _, err := r.Fetch(ctx, srv.URL+path); !errors.Is(err, ErrSource) {
			t.Fatalf("Fetch %s error = %v, want ErrSource", path, err)
		}
	}
	for _, bad := range []string{"ftp://example.com/x", "not a url", "file:///etc/passwd"} {
		if _, err := r.Fetch(ctx, bad); !errors.Is(err, ErrSource) {
			t.Fatalf("Fetch %q error = %v, want ErrSource", bad, err)
		}
	}
}

package objectclient

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestParseS3URL(t *testing.T) {
	cases := []struct {
		in     string
		bucket string
		key    string
		ok     bool
	}{
		{in: "https://sprout-lessons.s3.us-east-2.amazonaws.com/lessons/u1/l1/notes.pdf", bucket: "sprout-lessons", key: "lessons/u1/l1/notes.pdf", ok: true},
		{in: "https://sprout-lessons.s3.amazonaws.com/a/b.png", bucket: "sprout-lessons", key: "a/b.png", ok: true},
		{in: "https://s3.eu-west-1.amazonaws.com/sprout-lessons/a/b.png", bucket: "sprout-lessons", key: "a/b.png", ok: true},
		{in: "s3://sprout-lessons/a/b.txt", bucket: "sprout-lessons", key: "a/b.txt", ok: true},
		{in: "https://sprout-lessons.s3.amazonaws.com/", ok: false},
		{in: "https://example.com/a/b.pdf", ok: false},
		{in: "not a url", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			bucket, key, ok := parseS3URL(tc.in)
			if ok != tc.ok {
				t.Fatalf("ok=%v, want %v", ok, tc.ok)
			}
			if ok && (bucket != tc.bucket || key != tc.key) {
				t.Fatalf("got %q/%q, want %q/%q", bucket, key, tc.bucket, tc.key)
			}
		})
	}
}

func TestObjectURLRoundTrip(t *testing.T) {
	u := objectURL("sprout-lessons", "us-east-2", "lessons/u1/l1/page.png")
	bucket, key, ok := parseS3URL(u)
	if !ok || bucket != "sprout-lessons" || key != "lessons/u1/l1/page.png" {
		t.Fatalf("parseS3URL(%q) = %q, %q, %v", u, bucket, key, ok)
	}
}

func TestFetchOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/notes.txt":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte("plants need light"))
		case "/big.bin":
			w.Write(bytes.Repeat([]byte{'x'}, MaxFetchBytes+10))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := &S3Client{http: srv.Client(), log: zap.NewNop()}

	data, ct, err := c.Fetch(context.Background(), srv.URL+"/notes.txt")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "plants need light" || ct != "text/plain; charset=utf-8" {
		t.Fatalf("got %q (%s)", data, ct)
	}

	if _, _, err := c.Fetch(context.Background(), srv.URL+"/missing"); err == nil {
		t.Fatal("expected error for 404")
	}
	if _, _, err := c.Fetch(context.Background(), srv.URL+"/big.bin"); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("err=%v, want ErrFileTooLarge", err)
	}
}

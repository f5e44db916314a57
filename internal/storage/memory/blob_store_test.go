package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "misses/page-1/a.html", "text/html", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://misses/page-1/a.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'

	obj, ok := store.Get("misses/page-1/a.html")
	if !ok {
		t.Fatal("expected object to be stored")
	}
	if string(obj.Data) != "content" || obj.ContentType != "text/html" {
		t.Fatalf("unexpected stored object %+v", obj)
	}
	obj.Data[0] = 'X'
	again, _ := store.Get("misses/page-1/a.html")
	if string(again.Data) != "content" {
		t.Fatalf("Get must return a copy, got %q", again.Data)
	}
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b.html", "a.html", "c.html"} {
		if _, err := store.PutObject(context.Background(), p, "", bytes.NewReader(nil)); err != nil {
			t.Fatalf("PutObject(%s) error = %v", p, err)
		}
	}
	got := store.Paths()
	want := []string{"a.html", "b.html", "c.html"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Paths() = %v, want %v", got, want)
		}
	}
	if _, ok := store.Get("missing"); ok {
		t.Fatal("expected missing object")
	}
	if _, err := store.PutObject(context.Background(), "", "", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for empty path")
	}
}

package upstream

import (
	"compress/flate"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

func TestClientDecompressesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("hello gzip"))
		gz.Close()
	}))
	defer srv.Close()

	client, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "hello gzip" {
		t.Fatalf("body = %q, want %q", body, "hello gzip")
	}
	if resp.Header.Get("Content-Encoding") != "" {
		t.Fatal("Content-Encoding must be stripped after decompression")
	}
}

func TestClientDecompressesDeflate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "deflate")
		fw, _ := flate.NewWriter(w, flate.DefaultCompression)
		fw.Write([]byte("hello deflate"))
		fw.Close()
	}))
	defer srv.Close()

	client, _ := New(Options{})
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello deflate" {
		t.Fatalf("body = %q, want %q", body, "hello deflate")
	}
}

func TestClientDecompressesBrotli(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		bw.Write([]byte("hello brotli"))
		bw.Close()
	}))
	defer srv.Close()

	client, _ := New(Options{})
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello brotli" {
		t.Fatalf("body = %q, want %q", body, "hello brotli")
	}
}

func TestClientDisablesRedirectFollowing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/target", http.StatusFound)
	}))
	defer srv.Close()

	client, _ := New(Options{})
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302 (redirect must not be followed)", resp.StatusCode)
	}
}

func TestClientRejectsMalformedProxyURL(t *testing.T) {
	_, err := New(Options{ProxyURL: "://not-a-url"})
	if err == nil {
		t.Fatal("expected error for malformed proxy URL")
	}
}

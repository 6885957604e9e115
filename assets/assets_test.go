package assets

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/dhcgn/newsletter-archive/webclient"
)

var gifPixel, _ = base64.StdEncoding.DecodeString("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func parse(t *testing.T, raw string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func newLocalizer() *Localizer {
	client := webclient.New(webclient.Options{Timeout: 2 * time.Second})
	return New(nil, NewFetcher(client, 0, nil))
}

func TestCollect_LazyAndSrcset(t *testing.T) {
	doc := parse(t, `<body>
<img data-src="https://cdn.example/a.png" src="placeholder.gif">
<img data-original="https://cdn.example/b.png" data-url="https://cdn.example/ignored.png">
<img srcset="https://cdn.example/c.png 1x, https://cdn.example/c@2x.png 2x">
<img src="data:image/gif;base64,R0lGOD">
<img src="https://stats.example/tracking/open.gif">
</body>`)

	p := New(nil, nil).Collect(doc)

	var got []string
	for _, r := range p.Refs {
		got = append(got, r.FetchURL)
	}
	want := "https://cdn.example/a.png,https://cdn.example/b.png,https://cdn.example/c.png"
	if strings.Join(got, ",") != want {
		t.Fatalf("refs = %v, want %s", got, want)
	}

	imgs := doc.Find("img")
	if _, ok := imgs.Eq(0).Attr("data-src"); ok {
		t.Error("data-src should be removed once used")
	}
	if v, ok := imgs.Eq(1).Attr("data-url"); !ok || v != "https://cdn.example/ignored.png" {
		t.Error("only the winning lazy attribute is removed")
	}
	if _, ok := imgs.Eq(2).Attr("srcset"); ok {
		t.Error("srcset should be dropped when its candidate becomes src")
	}
}

func TestCollect_NeverPromotesTrackers(t *testing.T) {
	doc := parse(t, `<body>
<img data-src="https://matomo.example.com/piwik.php?idsite=1">
<img srcset="https://www.google-analytics.com/collect?v=1 1x">
</body>`)

	p := New(nil, nil).Collect(doc)

	if len(p.Refs) != 0 {
		t.Fatalf("expected no refs, got %+v", p.Refs)
	}
	doc.Find("img").Each(func(i int, img *goquery.Selection) {
		if src, ok := img.Attr("src"); ok {
			t.Errorf("img %d src = %q, want none", i, src)
		}
	})
}

func TestCollect_StyleAndBackground(t *testing.T) {
	doc := parse(t, `<table background="//cdn.example/bg.jpg"><tr>
<td style="background-image: url('https://cdn.example/hero.jpg'); color: red">x</td>
</tr></table>`)

	p := New(nil, nil).Collect(doc)
	if len(p.Refs) != 2 {
		t.Fatalf("refs = %+v", p.Refs)
	}
	if p.Refs[0].FetchURL != "https://cdn.example/bg.jpg" || p.Refs[0].Source != "//cdn.example/bg.jpg" {
		t.Errorf("protocol-relative ref = %+v", p.Refs[0])
	}
	if p.Refs[1].FetchURL != "https://cdn.example/hero.jpg" {
		t.Errorf("style ref = %+v", p.Refs[1])
	}
}

func TestLocalize_DeduplicatesDownloads(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngHeader)
	}))
	defer srv.Close()

	doc := parse(t, `<body>
<img src="`+srv.URL+`/logo">
<img src="`+srv.URL+`/logo">
<div style="background:url(`+srv.URL+`/logo)">x</div>
</body>`)

	l := newLocalizer()
	dir := t.TempDir()
	p := l.Collect(doc)
	if len(p.Refs) != 1 {
		t.Fatalf("expected one unique ref, got %d", len(p.Refs))
	}

	results, err := l.Fetcher().Fetch(context.Background(), dir, p.Refs, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	l.Apply(p, results)

	if hits.Load() != 1 {
		t.Errorf("downloaded %d times, want 1", hits.Load())
	}
	if results[0].File != "img_1.png" {
		t.Fatalf("file = %q", results[0].File)
	}
	if _, err := os.Stat(filepath.Join(dir, "img_1.png")); err != nil {
		t.Fatalf("file not written: %v", err)
	}

	doc.Find("img").Each(func(i int, s *goquery.Selection) {
		if src := s.AttrOr("src", ""); src != "img_1.png" {
			t.Errorf("img %d src = %q", i, src)
		}
	})
	if style := doc.Find("div").AttrOr("style", ""); style != "background:url(img_1.png)" {
		t.Errorf("style = %q", style)
	}
}

func TestFetch_ReusesExistingFile(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngHeader)
	}))
	defer srv.Close()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "img_1.webp"), []byte("cached"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := newLocalizer()
	p := l.Collect(parse(t, `<img src="`+srv.URL+`/a">`))
	results, err := l.Fetcher().Fetch(context.Background(), dir, p.Refs, nil)
	if err != nil {
		t.Fatal(err)
	}

	if hits.Load() != 0 {
		t.Errorf("expected no download, got %d", hits.Load())
	}
	if !results[0].Reused || results[0].File != "img_1.webp" {
		t.Errorf("result = %+v", results[0])
	}
}

func TestFetch_InlineAttachment(t *testing.T) {
	l := newLocalizer()
	doc := parse(t, `<img src="cid:Logo@Shop">`)
	p := l.Collect(doc)

	dir := t.TempDir()
	results, err := l.Fetcher().Fetch(context.Background(), dir, p.Refs, map[string][]byte{"logo@shop": gifPixel})
	if err != nil {
		t.Fatal(err)
	}
	l.Apply(p, results)

	if results[0].File != "img_1.gif" {
		t.Fatalf("result = %+v", results[0])
	}
	if src := doc.Find("img").AttrOr("src", ""); src != "img_1.gif" {
		t.Errorf("src = %q", src)
	}
}

func TestFetch_FailuresLeaveElementUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	l := newLocalizer()
	doc := parse(t, `<img src="`+srv.URL+`/missing.png"><img src="cid:absent">`)
	p := l.Collect(doc)

	results, err := l.Fetcher().Fetch(context.Background(), t.TempDir(), p.Refs, nil)
	if err != nil {
		t.Fatal(err)
	}
	l.Apply(p, results)

	for _, r := range results {
		if r.Err == nil {
			t.Errorf("expected error for ordinal %d", r.Ordinal)
		}
	}
	if src := doc.Find("img").First().AttrOr("src", ""); src != srv.URL+"/missing.png" {
		t.Errorf("src = %q, want original", src)
	}
}

func TestFetch_ExtensionFallbacks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sniffed":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(gifPixel)
		case "/tiff":
			w.Header().Set("Content-Type", "image/tiff")
			w.Write([]byte("II*\x00tiff"))
		case "/error-page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte("<html><body>Image not available</body></html>"))
		default:
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte("unknown bytes"))
		}
	}))
	defer srv.Close()

	l := newLocalizer()
	doc := parse(t, `<img src="`+srv.URL+`/sniffed"><img src="`+srv.URL+`/tiff">`+
		`<img src="`+srv.URL+`/error-page"><img src="`+srv.URL+`/other">`)
	p := l.Collect(doc)
	dir := t.TempDir()
	results, err := l.Fetcher().Fetch(context.Background(), dir, p.Refs, nil)
	if err != nil {
		t.Fatal(err)
	}
	l.Apply(p, results)

	if results[0].File != "img_1.gif" || results[1].File != "img_2.bin" {
		t.Errorf("results = %+v", results)
	}
	for _, r := range results[2:] {
		if !errors.Is(r.Err, ErrNotImage) || r.File != "" {
			t.Errorf("ordinal %d = %+v, want ErrNotImage", r.Ordinal, r)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("only images should be written, got %d files", len(entries))
	}
	if src := doc.Find("img").Eq(2).AttrOr("src", ""); src != srv.URL+"/error-page" {
		t.Errorf("src = %q, want original", src)
	}
}

func TestSniffExtension(t *testing.T) {
	tests := []struct {
		data []byte
		want string
	}{
		{[]byte("\x89PNG\r\n\x1a\nrest"), ".png"},
		{[]byte("GIF87a...."), ".gif"},
		{[]byte{0xFF, 0xD8, 0xFF, 0xE0}, ".jpg"},
		{[]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), ".webp"},
		{[]byte("<svg"), ""},
	}
	for _, tt := range tests {
		if got := SniffExtension(tt.data); got != tt.want {
			t.Errorf("SniffExtension(%q) = %q, want %q", tt.data, got, tt.want)
		}
	}
}

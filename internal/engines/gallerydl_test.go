package engines

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"

	"forgedl/internal/fsadapter"
)

type noopReporter struct{}

func (noopReporter) ItemStart(string, string, int64)   {}
func (noopReporter) ItemProgress(string, int64, int64) {}
func (noopReporter) ItemDone(string, string, int64)    {}
func (noopReporter) ItemSkip(string, string)           {}
func (noopReporter) ItemFail(string, error)             {}
func (noopReporter) Log(string, string)                {}

type truncatingBody struct {
	data []byte
	sent bool
}

func (b *truncatingBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, b.data), nil
	}
	return 0, io.ErrUnexpectedEOF
}

func (b *truncatingBody) Close() error { return nil }

type failingTransport struct{}

func (failingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Body:          &truncatingBody{data: []byte("partial")},
		ContentLength: -1,
		Header:        make(http.Header),
		Request:       req,
	}, nil
}

func TestFetchOnce_PropagatesReadErrorInsteadOfFinalizing(t *testing.T) {
	g := &GalleryDL{client: &http.Client{Transport: failingTransport{}}}
	fs := fsadapter.New()

	finalPath := filepath.Join(t.TempDir(), "out.bin")
	_, err := g.fetchOnce(context.Background(), "https://example.com/a.bin", "item-0", finalPath, noopReporter{}, fs, nil)
	if err == nil {
		t.Fatal("expected fetchOnce to report the read error instead of finalizing a truncated file")
	}
}

package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strconv"

	apperr "forgedl/internal/apperrors"
	"forgedl/internal/downloader"
	"forgedl/internal/model"
	"forgedl/internal/ratelimit"
	"forgedl/internal/retrypolicy"
)

// GalleryDL wraps the gallery-dl binary as the gallery-tier adapter:
// galleries, boards, and multi-image posts where the site itself is not
// worth a dedicated native adapter. gallery-dl enumerates the item URLs
// (via --dump-json); forgedl then downloads each with its own resumable
// transfer loop so every item still obeys DomainLimiter and RetryPolicy.
type GalleryDL struct {
	binPath string
	domains *ratelimit.DomainLimiter
	client  *http.Client
}

func NewGalleryDL(binPath string, domains *ratelimit.DomainLimiter) *GalleryDL {
	return &GalleryDL{binPath: binPath, domains: domains, client: &http.Client{}}
}

func (g *GalleryDL) Name() string { return "gallery" }

func (g *GalleryDL) CanHandle(rawURL string) bool {
	cmd := exec.Command(g.binPath, "--simulate", rawURL)
	return cmd.Run() == nil
}

// galleryEntry is one tuple of gallery-dl's --dump-json output (see
// enumerate), flattened here to the fields we use.
type galleryEntry struct {
	URL      string
	Filename string
}

func (g *GalleryDL) Download(ctx context.Context, rawURL, outputFolder string, options model.DownloadOptions, cancel downloader.CancelToken, report downloader.ProgressReporter, fs downloader.FS, bw *ratelimit.BandwidthLimiter) (downloader.DownloadResult, error) {
	entries, err := g.enumerate(ctx, rawURL)
	if err != nil {
		return downloader.DownloadResult{}, apperr.Wrap("GalleryDL.Download", err)
	}

	policy := retrypolicy.Default().WithOverrides(options.MaxRetries, options.RetryBaseDelayS, options.RetryMaxDelayS)
	counters := model.Counters{TotalItems: len(entries)}

	for i, entry := range entries {
		if cancel.IsCancelled() {
			break
		}
		itemKey := fmt.Sprintf("gallery-%d", i)
		if err := g.downloadEntry(ctx, entry, itemKey, outputFolder, options, cancel, report, fs, bw, policy); err != nil {
			counters.FailedItems++
			report.ItemFail(itemKey, err)
			continue
		}
		counters.CompletedItems++
	}

	return downloader.DownloadResult{Success: counters.FailedItems == 0, Counters: counters}, nil
}

func (g *GalleryDL) enumerate(ctx context.Context, rawURL string) ([]galleryEntry, error) {
	cmd := exec.CommandContext(ctx, g.binPath, "--dump-json", "--no-download", rawURL)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("gallery-dl enumeration failed: %w: %s", err, stderr.String())
	}

	// gallery-dl's --dump-json prints a JSON array of [extractor_id,
	// url, metadata] tuples; only the URL element matters here.
	var raw []json.RawMessage
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return nil, fmt.Errorf("could not parse gallery-dl json: %w", err)
	}

	var entries []galleryEntry
	for _, r := range raw {
		var tuple []json.RawMessage
		if err := json.Unmarshal(r, &tuple); err != nil || len(tuple) < 2 {
			continue
		}
		var itemURL string
		if err := json.Unmarshal(tuple[1], &itemURL); err != nil || itemURL == "" {
			continue
		}
		entries = append(entries, galleryEntry{URL: itemURL})
	}
	return entries, nil
}

func (g *GalleryDL) downloadEntry(ctx context.Context, entry galleryEntry, itemKey, outputFolder string, options model.DownloadOptions, cancel downloader.CancelToken, report downloader.ProgressReporter, fs downloader.FS, bw *ratelimit.BandwidthLimiter, policy retrypolicy.Policy) error {
	host := ratelimit.HostOf(entry.URL)
	release, ok := g.domains.Acquire(host, cancel.Done())
	if !ok {
		return apperr.ErrCancelled
	}
	defer release()

	name := entry.Filename
	if name == "" {
		if u, err := url.Parse(entry.URL); err == nil {
			name = lastSegment(u.Path)
		}
	}

	finalPath, complete, err := fs.Prepare(outputFolder, options.FolderTemplate, options.FileNamingMode, downloader.ItemMeta{
		ItemKey:  itemKey,
		FileName: name,
	})
	if err != nil {
		return err
	}
	if complete {
		report.ItemSkip(itemKey, "already downloaded")
		return nil
	}

	report.ItemStart(itemKey, entry.URL, 0)

	attempt := 0
	for {
		attempt++
		statusCode, err := g.fetchOnce(ctx, entry.URL, itemKey, finalPath, report, fs, bw)
		if err == nil {
			report.ItemDone(itemKey, finalPath, 0)
			return nil
		}
		decision := policy.Decide(attempt, retrypolicy.Outcome{StatusCode: statusCode, Err: err, RetryAfterSeconds: -1})
		if !decision.Retry {
			fs.Abandon(finalPath)
			return err
		}
		if statusCode == http.StatusTooManyRequests {
			g.domains.Cooldown(host)
		}
		if !retrypolicy.Sleep(decision.DelaySec, cancel.Done()) {
			fs.Abandon(finalPath)
			return apperr.ErrCancelled
		}
	}
}

func (g *GalleryDL) fetchOnce(ctx context.Context, itemURL, itemKey, finalPath string, report downloader.ProgressReporter, fs downloader.FS, bw *ratelimit.BandwidthLimiter) (int, error) {
	wf, offset, err := fs.OpenForWrite(finalPath)
	if err != nil {
		return 0, err
	}
	defer wf.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, itemURL, nil)
	if err != nil {
		return 0, err
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	total := offset + resp.ContentLength
	buf := make([]byte, 32*1024)
	written := offset
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if bw != nil {
				if werr := bw.WaitN(ctx, n); werr != nil {
					return 0, werr
				}
			}
			if _, werr := wf.WriteAt(buf[:n], written); werr != nil {
				return 0, werr
			}
			written += int64(n)
			report.ItemProgress(itemKey, written, total)
		}
		if rerr != nil {
			if rerr != io.EOF {
				return 0, rerr
			}
			break
		}
	}

	return resp.StatusCode, fs.Finalize(finalPath, total)
}

func lastSegment(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

// Package adapters holds the engine's HTML/page-scraping adapters: the
// native site-specific stubs (tier 1) and the generic goquery-based
// fallback (tier 4), per spec.md's four-tier resolution chain.
package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	apperr "forgedl/internal/apperrors"
	"forgedl/internal/downloader"
	"forgedl/internal/model"
	"forgedl/internal/ratelimit"
	"forgedl/internal/retrypolicy"
)

// mediaSelectors are the CSS selectors the generic adapter tries, in
// order, to find downloadable media on an arbitrary page.
var mediaSelectors = []string{
	"img[src]", "video[src]", "video source[src]", "a[href$='.zip']",
	"a[href$='.pdf']", "a[href$='.mp4']", "a[href$='.jpg']", "a[href$='.png']",
}

// Generic is the last-resort tier-4 adapter: it fetches a page, finds
// obvious media links with goquery, and downloads each one, honoring
// politeness and retry just like every other engine.
type Generic struct {
	client  *http.Client
	domains *ratelimit.DomainLimiter
}

// NewGeneric creates the generic scraper adapter.
func NewGeneric(domains *ratelimit.DomainLimiter) *Generic {
	return &Generic{client: &http.Client{}, domains: domains}
}

func (g *Generic) Name() string { return "generic" }

// CanHandle accepts any syntactically valid http(s) URL; it is only
// ever consulted after every more specific adapter has declined.
func (g *Generic) CanHandle(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (g *Generic) Download(ctx context.Context, rawURL, outputFolder string, options model.DownloadOptions, cancel downloader.CancelToken, report downloader.ProgressReporter, fs downloader.FS, bw *ratelimit.BandwidthLimiter) (downloader.DownloadResult, error) {
	host := ratelimit.HostOf(rawURL)
	policy := retrypolicy.Default().WithOverrides(options.MaxRetries, options.RetryBaseDelayS, options.RetryMaxDelayS)

	links, err := g.discover(ctx, rawURL)
	if err != nil {
		return downloader.DownloadResult{}, apperr.Wrap("Generic.Download", err)
	}

	counters := model.Counters{TotalItems: len(links)}

	for i, link := range links {
		if cancel.IsCancelled() {
			return downloader.DownloadResult{Success: false, Counters: counters}, nil
		}

		itemKey := fmt.Sprintf("item-%d", i)
		if err := g.downloadOne(ctx, host, link, itemKey, outputFolder, options, cancel, report, fs, bw, policy); err != nil {
			counters.FailedItems++
			report.ItemFail(itemKey, err)
			continue
		}
		counters.CompletedItems++
	}

	return downloader.DownloadResult{Success: counters.FailedItems == 0, Counters: counters}, nil
}

func (g *Generic) discover(ctx context.Context, pageURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, apperr.Wrap("Generic.discover", err)
	}

	base, _ := url.Parse(pageURL)
	seen := map[string]bool{}
	var links []string

	collect := func(i int, sel *goquery.Selection) {
		attr := "src"
		if sel.Is("a") {
			attr = "href"
		}
		raw, ok := sel.Attr(attr)
		if !ok || raw == "" {
			return
		}
		resolved := resolveURL(base, raw)
		if resolved == "" || seen[resolved] {
			return
		}
		seen[resolved] = true
		links = append(links, resolved)
	}

	for _, sel := range mediaSelectors {
		doc.Find(sel).Each(collect)
	}

	return links, nil
}

func resolveURL(base *url.URL, raw string) string {
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func (g *Generic) downloadOne(ctx context.Context, host, link, itemKey, outputFolder string, options model.DownloadOptions, cancel downloader.CancelToken, report downloader.ProgressReporter, fs downloader.FS, bw *ratelimit.BandwidthLimiter, policy retrypolicy.Policy) error {
	release, ok := g.domains.Acquire(host, cancel.Done())
	if !ok {
		return apperr.ErrCancelled
	}
	defer release()

	finalPath, complete, err := fs.Prepare(outputFolder, options.FolderTemplate, options.FileNamingMode, downloader.ItemMeta{
		ItemKey:  itemKey,
		FileName: lastPathSegment(link),
	})
	if err != nil {
		return err
	}
	if complete {
		report.ItemSkip(itemKey, "already downloaded")
		return nil
	}

	report.ItemStart(itemKey, link, 0)

	attempt := 0
	for {
		attempt++
		err := g.fetchOnce(ctx, link, itemKey, finalPath, report, fs, bw)
		if err == nil {
			report.ItemDone(itemKey, finalPath, 0)
			return nil
		}

		var statusCode int
		if se, ok := err.(statusError); ok {
			statusCode = se.code
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

type statusError struct{ code int }

func (s statusError) Error() string { return fmt.Sprintf("unexpected status %d", s.code) }

func (g *Generic) fetchOnce(ctx context.Context, link, itemKey, finalPath string, report downloader.ProgressReporter, fs downloader.FS, bw *ratelimit.BandwidthLimiter) error {
	wf, offset, err := fs.OpenForWrite(finalPath)
	if err != nil {
		return err
	}
	defer wf.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError{code: resp.StatusCode}
	}

	total := offset + resp.ContentLength
	buf := make([]byte, 32*1024)
	written := offset
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if bw != nil {
				if werr := bw.WaitN(ctx, n); werr != nil {
					return werr
				}
			}
			if _, werr := wf.WriteAt(buf[:n], written); werr != nil {
				return werr
			}
			written += int64(n)
			report.ItemProgress(itemKey, written, total)
		}
		if rerr != nil {
			if rerr != io.EOF {
				return rerr
			}
			break
		}
	}

	return fs.Finalize(finalPath, total)
}

func lastPathSegment(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return "download"
	}
	parts := strings.Split(strings.TrimRight(u.Path, "/"), "/")
	if len(parts) == 0 || parts[len(parts)-1] == "" {
		return "download"
	}
	return parts[len(parts)-1]
}

package adapters

import (
	"context"
	"net/url"
	"strings"

	"forgedl/internal/downloader"
	"forgedl/internal/model"
	"forgedl/internal/ratelimit"
)

// Native wraps a single known site's domain match rule. Site-specific
// scraping logic is explicitly out of scope for this engine (spec.md §1);
// it is specified only at the downloader.Adapter interface boundary. A
// production adapter replaces delegate with real endpoint knowledge for
// its site; until then it falls back to the generic scraper so the tier
// is never a dead end.
type Native struct {
	site     string
	domains  []string
	delegate *Generic
}

func newNative(site string, domains []string, domainLimiter *ratelimit.DomainLimiter) *Native {
	return &Native{site: site, domains: domains, delegate: NewGeneric(domainLimiter)}
}

// NewCoomer, NewKemono, NewErome, NewBunkr, and NewSimpCity construct the
// named-site placeholder adapters referenced by spec.md's "native tier".
func NewCoomer(dl *ratelimit.DomainLimiter) *Native {
	return newNative("coomer", []string{"coomer.su", "coomer.party"}, dl)
}

func NewKemono(dl *ratelimit.DomainLimiter) *Native {
	return newNative("kemono", []string{"kemono.su", "kemono.party"}, dl)
}

func NewErome(dl *ratelimit.DomainLimiter) *Native {
	return newNative("erome", []string{"erome.com"}, dl)
}

func NewBunkr(dl *ratelimit.DomainLimiter) *Native {
	return newNative("bunkr", []string{"bunkr.si", "bunkr.la", "bunkr.ru"}, dl)
}

func NewSimpCity(dl *ratelimit.DomainLimiter) *Native {
	return newNative("simpcity", []string{"simpcity.su"}, dl)
}

func (n *Native) Name() string { return "native:" + n.site }

func (n *Native) CanHandle(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range n.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (n *Native) Download(ctx context.Context, rawURL, outputFolder string, options model.DownloadOptions, cancel downloader.CancelToken, report downloader.ProgressReporter, fs downloader.FS, bw *ratelimit.BandwidthLimiter) (downloader.DownloadResult, error) {
	report.Log("info", "native adapter for "+n.site+" has no site-specific logic yet, falling back to generic scraping")
	return n.delegate.Download(ctx, rawURL, outputFolder, options, cancel, report, fs, bw)
}

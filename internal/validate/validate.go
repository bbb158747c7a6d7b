// Package validate checks user-supplied input before it reaches the
// queue. Unlike a single-site downloader, this engine has no fixed
// platform allowlist — the generic HTML tier and yt-dlp's universal
// tier mean any http(s) URL is potentially valid — so validation here
// is limited to syntactic well-formedness.
package validate

import (
	"net/url"
	"strings"

	apperr "forgedl/internal/apperrors"
)

// URL checks that rawURL is a well-formed http(s) URL with a host,
// returning the parsed form. It does not judge whether any adapter can
// actually handle it; that is DownloaderFactory.Resolve's job.
func URL(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, apperr.NewWithMessage("validate.URL", apperr.ErrInvalidURL, "url must not be empty")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, apperr.NewWithMessage("validate.URL", apperr.ErrInvalidURL, "url must start with http:// or https://")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperr.NewWithMessage("validate.URL", apperr.ErrInvalidURL, "malformed url")
	}
	if parsed.Host == "" {
		return nil, apperr.NewWithMessage("validate.URL", apperr.ErrInvalidURL, "url has no host")
	}
	return parsed, nil
}

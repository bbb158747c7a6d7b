package engines

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"

	humanize "github.com/dustin/go-humanize"

	apperr "forgedl/internal/apperrors"
	"forgedl/internal/logger"
)

var httpClient = &http.Client{Timeout: 5 * time.Minute}

// Dependency describes one external binary the engines package shells out
// to (yt-dlp, gallery-dl). Provisioning downloads it once into binDir and
// makes it executable; it is never re-downloaded unless missing.
type Dependency struct {
	Name     string
	URL      string
	FileName string
	SHA256   string // expected checksum; empty skips verification
}

// Provisioner resolves and, if necessary, downloads the binaries the
// engine adapters depend on.
type Provisioner struct {
	binDir string
	deps   map[string]Dependency
}

// NewProvisioner creates a provisioner rooted at binDir.
func NewProvisioner(binDir string) *Provisioner {
	return &Provisioner{binDir: binDir, deps: defaultDependencies()}
}

func defaultDependencies() map[string]Dependency {
	ytdlpURL := "https://github.com/yt-dlp/yt-dlp/releases/latest/download/yt-dlp"
	ytdlpName := "yt-dlp"
	if goruntime.GOOS == "windows" {
		ytdlpURL = "https://github.com/yt-dlp/yt-dlp/releases/latest/download/yt-dlp.exe"
		ytdlpName = "yt-dlp.exe"
	} else if goruntime.GOOS == "darwin" {
		ytdlpURL = "https://github.com/yt-dlp/yt-dlp/releases/latest/download/yt-dlp_macos"
	}

	gdlName := "gallery-dl"
	if goruntime.GOOS == "windows" {
		gdlName = "gallery-dl.exe"
	}

	return map[string]Dependency{
		"yt-dlp": {
			Name:     "yt-dlp",
			URL:      ytdlpURL,
			FileName: ytdlpName,
		},
		"gallery-dl": {
			Name:     "gallery-dl",
			URL:      fmt.Sprintf("https://github.com/mikf/gallery-dl/releases/latest/download/%s", gdlName),
			FileName: gdlName,
		},
	}
}

// Path returns the on-disk path a dependency will be installed to,
// regardless of whether it has been downloaded yet.
func (p *Provisioner) Path(name string) string {
	dep, ok := p.deps[name]
	if !ok {
		return ""
	}
	return filepath.Join(p.binDir, dep.FileName)
}

// Installed reports whether the dependency is already present on disk.
func (p *Provisioner) Installed(name string) bool {
	path := p.Path(name)
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// Ensure downloads name into binDir if it is not already present,
// verifying its checksum when one is configured.
func (p *Provisioner) Ensure(ctx context.Context, name string) (string, error) {
	dep, ok := p.deps[name]
	if !ok {
		return "", apperr.NewWithMessage("Provisioner.Ensure", apperr.ErrDependencyMissing, "unknown dependency "+name)
	}

	target := filepath.Join(p.binDir, dep.FileName)
	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		return target, nil
	}

	if err := os.MkdirAll(p.binDir, 0755); err != nil {
		return "", apperr.Wrap("Provisioner.Ensure", err)
	}

	logger.Log.Info().Str("dependency", dep.Name).Str("url", dep.URL).Msg("downloading engine dependency")

	if err := download(ctx, dep.URL, target, dep.SHA256); err != nil {
		return "", apperr.WrapWithMessage("Provisioner.Ensure", err, "failed to download "+dep.Name)
	}

	if goruntime.GOOS != "windows" {
		if err := os.Chmod(target, 0755); err != nil {
			return "", apperr.Wrap("Provisioner.Ensure", err)
		}
	}

	return target, nil
}

func download(ctx context.Context, url, dest, expectedSHA256 string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status downloading %s: %s", url, resp.Status)
	}

	tmp := dest + ".download"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	hasher := sha256.New()
	written, err := io.Copy(out, io.TeeReader(resp.Body, hasher))
	out.Close()
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if expectedSHA256 != "" {
		if got := hex.EncodeToString(hasher.Sum(nil)); got != expectedSHA256 {
			os.Remove(tmp)
			return fmt.Errorf("checksum mismatch for %s: got %s, want %s", url, got, expectedSHA256)
		}
	}

	logger.Log.Info().Str("bytes", humanize.Bytes(uint64(written))).Msg("dependency downloaded")
	return os.Rename(tmp, dest)
}

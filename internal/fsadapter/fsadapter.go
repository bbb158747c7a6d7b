// Package fsadapter implements the engine's filesystem responsibilities
// (spec.md §4.6): atomic `.part`-then-rename writes with ranged-GET
// resume, filename sanitization, and folder-template rendering that can
// never escape output_folder.
package fsadapter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	apperr "forgedl/internal/apperrors"
	"forgedl/internal/downloader"
	"forgedl/internal/model"
)

// filenameUnsafeChars matches characters forbidden across common
// filesystems, mirrored from the platform's historical sanitizer.
var filenameUnsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

const maxFilenameLen = 200

// Sanitize replaces unsafe characters with "_" and truncates to 200
// characters while preserving the file extension.
func Sanitize(name string) string {
	if name == "" {
		return "untitled"
	}

	safe := filenameUnsafeChars.ReplaceAllString(name, "_")
	safe = strings.Trim(safe, " .")
	if safe == "" {
		return "untitled"
	}

	if len(safe) <= maxFilenameLen {
		return safe
	}

	ext := filepath.Ext(safe)
	base := strings.TrimSuffix(safe, ext)
	keep := maxFilenameLen - len(ext)
	if keep < 1 {
		// A pathological extension longer than the budget; fall back to a
		// hard truncate with no extension preserved.
		return safe[:maxFilenameLen]
	}
	if keep > len(base) {
		keep = len(base)
	}
	return base[:keep] + ext
}

// FS is the concrete downloader.FS implementation rooted at a base
// output directory.
type FS struct{}

// New creates an FS adapter. It is stateless; all state lives on disk.
func New() *FS {
	return &FS{}
}

// RenderFolderTemplate expands placeholders like {job_id}, {engine},
// {date} in template against vars, then joins the result under
// outputFolder using a traversal-safe join so no `..` segment (literal or
// rendered from a placeholder) can escape outputFolder.
func RenderFolderTemplate(outputFolder, tmpl string, vars map[string]string) (string, error) {
	rendered := tmpl
	for k, v := range vars {
		rendered = strings.ReplaceAll(rendered, "{"+k+"}", v)
	}
	rendered = strings.ReplaceAll(rendered, "..", "_")

	joined, err := securejoin.SecureJoin(outputFolder, rendered)
	if err != nil {
		return "", apperr.WrapWithMessage("fsadapter.RenderFolderTemplate", err, "folder template escapes output folder")
	}
	return joined, nil
}

// Prepare resolves the sanitized, collision-resolved final path for an
// item and reports whether a file already exists at that path (the skip
// signal callers use to avoid re-downloading); its size is not checked.
func (f *FS) Prepare(outputFolder, folderTemplate string, namingMode model.FileNamingMode, item downloader.ItemMeta) (string, bool, error) {
	folder := outputFolder
	if folderTemplate != "" {
		var err error
		folder, err = RenderFolderTemplate(outputFolder, folderTemplate, item.Extra)
		if err != nil {
			return "", false, err
		}
	}
	if err := os.MkdirAll(folder, 0755); err != nil {
		return "", false, apperr.Wrap("fsadapter.Prepare", err)
	}

	name := Sanitize(nameFor(namingMode, item))
	finalPath := filepath.Join(folder, name)
	finalPath = resolveCollision(finalPath)

	if info, err := os.Stat(finalPath); err == nil && !info.IsDir() {
		return finalPath, true, nil
	}

	return finalPath, false, nil
}

func nameFor(mode model.FileNamingMode, item downloader.ItemMeta) string {
	switch mode {
	case model.NamingNumbered:
		if idx, ok := item.Extra["index"]; ok {
			ext := filepath.Ext(item.FileName)
			return fmt.Sprintf("%s%s", idx, ext)
		}
	case model.NamingHash:
		if item.ItemKey != "" {
			ext := filepath.Ext(item.FileName)
			return item.ItemKey + ext
		}
	}
	if item.FileName != "" {
		return item.FileName
	}
	return item.ItemKey
}

// resolveCollision appends a numeric suffix before the extension until an
// unused path is found, per spec.md §5 "naming collisions resolved by
// numeric suffix".
func resolveCollision(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	if _, err := os.Stat(path + ".part"); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := base + "_" + strconv.Itoa(i) + ext
		_, errFinal := os.Stat(candidate)
		_, errPart := os.Stat(candidate + ".part")
		if os.IsNotExist(errFinal) && os.IsNotExist(errPart) {
			return candidate
		}
	}
}

// OpenForWrite opens `<finalPath>.part` for writing, returning the
// current size to resume from if the part file already exists.
func (f *FS) OpenForWrite(finalPath string) (downloader.WritableFile, int64, error) {
	partPath := finalPath + ".part"

	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, 0, apperr.Wrap("fsadapter.OpenForWrite", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, apperr.Wrap("fsadapter.OpenForWrite", err)
	}

	return &wrappedFile{file}, info.Size(), nil
}

// wrappedFile adapts *os.File to downloader.WritableFile (WriteAt+Close).
type wrappedFile struct {
	*os.File
}

func (w *wrappedFile) WriteAt(p []byte, off int64) (int, error) {
	return w.File.WriteAt(p, off)
}

// Finalize verifies the part file's size matches expectedSize (when
// known) and atomically renames it to finalPath.
func (f *FS) Finalize(finalPath string, expectedSize int64) error {
	partPath := finalPath + ".part"

	if expectedSize > 0 {
		info, err := os.Stat(partPath)
		if err != nil {
			return apperr.Wrap("fsadapter.Finalize", err)
		}
		if info.Size() != expectedSize {
			return apperr.NewWithMessage("fsadapter.Finalize", apperr.ErrDownloadFailed,
				fmt.Sprintf("size mismatch: got %d bytes, want %d", info.Size(), expectedSize))
		}
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		return apperr.Wrap("fsadapter.Finalize", err)
	}
	return nil
}

// Abandon removes a partial file left behind by a cancelled or failed item.
func (f *FS) Abandon(finalPath string) error {
	err := os.Remove(finalPath + ".part")
	if err != nil && !os.IsNotExist(err) {
		return apperr.Wrap("fsadapter.Abandon", err)
	}
	return nil
}

// IsDiskFull reports whether err indicates the device is out of space,
// the fatal non-retryable condition spec.md §4.6 calls out.
func IsDiskFull(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no space left")
}

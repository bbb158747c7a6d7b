package fsadapter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"forgedl/internal/downloader"
	"forgedl/internal/model"
)

func TestSanitize_ReplacesUnsafeChars(t *testing.T) {
	got := Sanitize(`weird<>:"/\|?*name.mp4`)
	if strings.ContainsAny(got, `<>:"/\|?*`) {
		t.Errorf("Sanitize left unsafe characters: %q", got)
	}
}

func TestSanitize_TruncatesPreservingExtension(t *testing.T) {
	long := strings.Repeat("a", 300) + ".mp4"
	got := Sanitize(long)
	if len(got) != maxFilenameLen {
		t.Errorf("len = %d, want %d", len(got), maxFilenameLen)
	}
	if !strings.HasSuffix(got, ".mp4") {
		t.Errorf("expected extension preserved, got %q", got)
	}
}

func TestSanitize_EmptyBecomesUntitled(t *testing.T) {
	if got := Sanitize(""); got != "untitled" {
		t.Errorf("Sanitize(\"\") = %q, want untitled", got)
	}
}

func TestRenderFolderTemplate_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	got, err := RenderFolderTemplate(dir, "{name}", map[string]string{"name": "../../etc"})
	if err != nil {
		t.Fatalf("RenderFolderTemplate: %v", err)
	}
	if !strings.HasPrefix(got, dir) {
		t.Errorf("rendered path %q escaped base %q", got, dir)
	}
}

func TestPrepare_DetectsAlreadyComplete(t *testing.T) {
	dir := t.TempDir()
	f := New()

	item := downloader.ItemMeta{ItemKey: "a", FileName: "video.mp4"}
	finalPath, complete, err := f.Prepare(dir, "", model.NamingOriginal, item)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if complete {
		t.Fatal("expected not-yet-existing file to report incomplete")
	}

	if err := os.WriteFile(finalPath, []byte("data"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, complete, err = f.Prepare(dir, "", model.NamingOriginal, item)
	if err != nil {
		t.Fatalf("Prepare (2nd): %v", err)
	}
	if !complete {
		t.Error("expected existing final file to report complete")
	}
}

func TestPrepare_ResolvesNameCollision(t *testing.T) {
	dir := t.TempDir()
	f := New()

	if err := os.WriteFile(filepath.Join(dir, "video.mp4"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	item := downloader.ItemMeta{ItemKey: "b", FileName: "video.mp4"}
	finalPath, _, err := f.Prepare(dir, "", model.NamingOriginal, item)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if finalPath == filepath.Join(dir, "video.mp4") {
		t.Error("expected a collision-resolved path, got the original name")
	}
}

func TestOpenForWriteThenFinalize_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := New()
	finalPath := filepath.Join(dir, "out.bin")

	wf, offset, err := f.OpenForWrite(finalPath)
	if err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}
	if offset != 0 {
		t.Errorf("offset = %d, want 0 for a fresh file", offset)
	}

	payload := []byte("hello world")
	if _, err := wf.WriteAt(payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	wf.Close()

	if err := f.Finalize(finalPath, int64(len(payload))); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if _, err := os.Stat(finalPath); err != nil {
		t.Errorf("expected final file to exist: %v", err)
	}
	if _, err := os.Stat(finalPath + ".part"); !os.IsNotExist(err) {
		t.Error("expected .part file to be gone after Finalize")
	}
}

func TestOpenForWrite_ResumesFromExistingSize(t *testing.T) {
	dir := t.TempDir()
	f := New()
	finalPath := filepath.Join(dir, "out.bin")

	if err := os.WriteFile(finalPath+".part", []byte("0123456789"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, offset, err := f.OpenForWrite(finalPath)
	if err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}
	if offset != 10 {
		t.Errorf("offset = %d, want 10 to resume an existing .part", offset)
	}
}

func TestFinalize_RejectsSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	f := New()
	finalPath := filepath.Join(dir, "out.bin")

	if err := os.WriteFile(finalPath+".part", []byte("short"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := f.Finalize(finalPath, 1000); err == nil {
		t.Error("expected Finalize to reject a size mismatch")
	}
}

func TestAbandon_RemovesPartFile(t *testing.T) {
	dir := t.TempDir()
	f := New()
	finalPath := filepath.Join(dir, "out.bin")

	if err := os.WriteFile(finalPath+".part", []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := f.Abandon(finalPath); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if _, err := os.Stat(finalPath + ".part"); !os.IsNotExist(err) {
		t.Error("expected .part file removed")
	}
}

func TestAbandon_MissingFileIsNotAnError(t *testing.T) {
	f := New()
	if err := f.Abandon(filepath.Join(t.TempDir(), "missing.bin")); err != nil {
		t.Errorf("Abandon on a missing file should be a no-op, got %v", err)
	}
}

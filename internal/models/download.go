package models

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/chaz8081/gostt-live/internal/resource"
)

const (
	huggingFaceURL = "https://huggingface.co"
	sileroURL      = "https://github.com/snakers4/silero-vad/raw/master/src/silero_vad/data/silero_vad.onnx"
)

// ErrNoSource is returned when a model set has no download location.
var ErrNoSource = errors.New("models: no download source")

// Downloader fetches model files. Zero values use the public hosts and
// http.DefaultClient.
type Downloader struct {
	Client *http.Client
	// BaseURL replaces https://huggingface.co.
	BaseURL string
	// SileroURL replaces the upstream Silero model URL.
	SileroURL string
	// Out receives progress; nil discards it.
	Out io.Writer
}

func (d *Downloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *Downloader) out() io.Writer {
	if d.Out != nil {
		return d.Out
	}
	return io.Discard
}

// Fetch downloads the missing files of f. Files already present are left
// alone.
func (d *Downloader) Fetch(ctx context.Context, f Files) error {
	missing := f.Missing()
	if len(missing) == 0 {
		fmt.Fprintf(d.out(), "  Models already present: %s\n", f.Dir)
		return nil
	}
	if f.Source == "" {
		return fmt.Errorf("%w for %s: export the model and place it there", ErrNoSource, f.Dir)
	}
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return fmt.Errorf("creating models dir: %w", err)
	}

	base := d.BaseURL
	if base == "" {
		base = huggingFaceURL
	}
	fmt.Fprintf(d.out(), "  Downloading %s from %s\n", f.Source, base)
	for _, path := range missing {
		url := fmt.Sprintf("%s/%s/resolve/main/%s", strings.TrimRight(base, "/"), f.Source, filepath.Base(path))
		if err := d.download(ctx, url, path); err != nil {
			return err
		}
	}
	return f.Verify()
}

// FetchSilero downloads the Silero VAD model to path unless present.
func (d *Downloader) FetchSilero(ctx context.Context, path string) error {
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		fmt.Fprintf(d.out(), "  Silero model already exists: %s\n", path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating models dir: %w", err)
	}
	url := d.SileroURL
	if url == "" {
		url = sileroURL
	}
	return d.download(ctx, url, path)
}

// download writes url to dest through a temp file renamed into place.
func (d *Downloader) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("models: %w", err)
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", filepath.Base(dest), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: HTTP %d", filepath.Base(dest), resp.StatusCode)
	}

	tmpPath := dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	pr := &progressWriter{
		writer: f,
		out:    d.out(),
		total:  resp.ContentLength,
		label:  filepath.Base(dest),
	}
	written, err := io.Copy(pr, resp.Body)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing model file: %w", err)
	}
	fmt.Fprintf(d.out(), "\n  Downloaded %.1f MB\n", float64(written)/(1024*1024))

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("moving model file: %w", err)
	}
	slog.Debug("models: downloaded", "file", dest, "bytes", written)
	return nil
}

// progressWriter wraps an io.Writer and prints download progress to out.
type progressWriter struct {
	writer  io.Writer
	out     io.Writer
	total   int64
	written int64
	label   string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		pct := float64(pw.written) / float64(pw.total) * 100
		fmt.Fprintf(pw.out, "\r  %s: %.1f MB / %.1f MB (%.0f%%)",
			pw.label,
			float64(pw.written)/(1024*1024),
			float64(pw.total)/(1024*1024),
			pct)
	} else {
		fmt.Fprintf(pw.out, "\r  %s: %.1f MB downloaded",
			pw.label,
			float64(pw.written)/(1024*1024))
	}
	return n, err
}

// RunInteractiveDownload asks which model sets to fetch into root.
func RunInteractiveDownload(ctx context.Context, root string, in io.Reader, out io.Writer) error {
	d := &Downloader{Out: out}
	fmt.Fprintln(out, "=== Model Download ===")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Models will be downloaded to: %s\n", root)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Which models would you like to download?")
	fmt.Fprintln(out, "  [1] Parakeet TDT 0.6B int8 (~640 MB) - CPU")
	fmt.Fprintln(out, "  [2] Silero VAD (~2 MB)")
	fmt.Fprintln(out, "  [3] Both")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Choice [1/2/3]: ")

	choice, _ := bufio.NewReader(in).ReadString('\n')
	choice = strings.TrimSpace(choice)
	fmt.Fprintln(out)

	cpu := func() error {
		f, err := Layout(root, resource.ProfileCPU)
		if err != nil {
			return err
		}
		return d.Fetch(ctx, f)
	}
	silero := func() error { return d.FetchSilero(ctx, SileroPath(root)) }

	switch choice {
	case "1":
		return cpu()
	case "2":
		return silero()
	case "3":
		if err := cpu(); err != nil {
			return fmt.Errorf("parakeet download failed: %w", err)
		}
		if err := silero(); err != nil {
			return fmt.Errorf("silero download failed: %w", err)
		}
		fmt.Fprintln(out, "All models downloaded successfully!")
		return nil
	default:
		return fmt.Errorf("invalid choice: %q (expected 1, 2, or 3)", choice)
	}
}

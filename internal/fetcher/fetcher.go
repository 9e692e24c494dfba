package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/rs/zerolog"
)

// Progress statuses, named as Ollama's pull stream names them.
const (
	StatusResolving   = "pulling manifest"
	StatusDownloading = "downloading"
	StatusVerifying   = "verifying sha256 digest"
	StatusSuccess     = "success"
)

// Progress reports download state.
type Progress struct {
	Status    string
	Digest    string
	Total     int64
	Completed int64
}

// Result describes a finished download.
type Result struct {
	Path   string
	Size   int64
	Digest string
}

// Config configures a Fetcher.
type Config struct {
	// HubURL defaults to DefaultHubURL.
	HubURL string
	// RegistryURL resolves bare model names; empty disables them.
	RegistryURL string
	UserAgent   string
	Client      *http.Client
	// ProgressInterval throttles Downloading callbacks; default 500ms.
	ProgressInterval time.Duration
	Log              zerolog.Logger
}

// Fetcher downloads weight files.
type Fetcher struct {
	hub      string
	registry string
	agent    string
	client   *http.Client
	every    time.Duration
	log      zerolog.Logger
}

// New returns a Fetcher.
func New(cfg Config) *Fetcher {
	f := &Fetcher{
		hub:      strings.TrimRight(cfg.HubURL, "/"),
		registry: strings.TrimRight(cfg.RegistryURL, "/"),
		agent:    cfg.UserAgent,
		client:   cfg.Client,
		every:    cfg.ProgressInterval,
		log:      cfg.Log,
	}
	if f.hub == "" {
		f.hub = DefaultHubURL
	}
	if f.agent == "" {
		f.agent = "runnerd"
	}
	if f.client == nil {
		// No overall timeout: downloads are large and bounded by ctx instead.
		f.client = &http.Client{}
	}
	if f.every <= 0 {
		f.every = 500 * time.Millisecond
	}
	return f
}

// Download fetches url into dest. Bytes land in dest+".partial" first; an
// existing partial file is resumed with a Range request. On success the file
// is renamed to dest and its sha256 digest returned as "sha256:<hex>".
// progress may be nil.
func (f *Fetcher) Download(ctx context.Context, url, dest string, progress func(Progress)) (Result, error) {
	notify := func(p Progress) {
		if progress != nil {
			progress(p)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Result{}, fmt.Errorf("create models dir: %w", err)
	}
	partial := dest + ".partial"
	var offset int64
	if st, err := os.Stat(partial); err == nil {
		offset = st.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", f.agent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	flag := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flag |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		// Server ignored the range; start over.
		offset = 0
		flag |= os.O_TRUNC
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// The partial file already holds everything.
		return f.finish(partial, dest, offset, notify)
	default:
		return Result{}, fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode)
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}
	f.log.Info().Str("event", "download_start").Str("url", url).
		Str("resume_at", units.HumanSize(float64(offset))).
		Str("total", humanOrUnknown(total)).Msg("downloading weights")

	file, err := os.OpenFile(partial, flag, 0o644)
	if err != nil {
		return Result{}, err
	}
	w := &progressWriter{
		done: offset,
		report: func(n int64) {
			notify(Progress{Status: StatusDownloading, Total: total, Completed: n})
		},
		every: f.every,
	}
	w.report(offset)
	_, copyErr := io.Copy(io.MultiWriter(file, w), resp.Body)
	closeErr := file.Close()
	if copyErr != nil {
		// The partial file is kept for the next attempt.
		return Result{}, fmt.Errorf("download %s: %w", url, copyErr)
	}
	if closeErr != nil {
		return Result{}, closeErr
	}
	if total >= 0 && w.done != total {
		return Result{}, fmt.Errorf("incomplete download: got %d bytes, expected %d", w.done, total)
	}
	w.report(w.done)
	return f.finish(partial, dest, w.done, notify)
}

func (f *Fetcher) finish(partial, dest string, size int64, notify func(Progress)) (Result, error) {
	notify(Progress{Status: StatusVerifying, Total: size, Completed: size})
	digest, err := fileDigest(partial)
	if err != nil {
		return Result{}, err
	}
	if err := os.Rename(partial, dest); err != nil {
		return Result{}, fmt.Errorf("finalize download: %w", err)
	}
	notify(Progress{Status: StatusSuccess, Digest: digest, Total: size, Completed: size})
	f.log.Info().Str("event", "download_done").Str("path", dest).
		Str("size", units.HumanSize(float64(size))).Str("digest", digest).Msg("weights ready")
	return Result{Path: dest, Size: size, Digest: digest}, nil
}

// fileDigest returns "sha256:<hex>" for the file at path.
func fileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks the file at path against an expected digest, with or without
// the "sha256:" prefix.
func Verify(path, want string) error {
	got, err := fileDigest(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(strings.TrimPrefix(got, "sha256:"), strings.TrimPrefix(want, "sha256:")) {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", want, got)
	}
	return nil
}

func humanOrUnknown(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return units.HumanSize(float64(n))
}

type progressWriter struct {
	done   int64
	last   time.Time
	every  time.Duration
	report func(int64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.done += int64(len(p))
	if now := time.Now(); now.Sub(w.last) >= w.every {
		w.last = now
		w.report(w.done)
	}
	return len(p), nil
}

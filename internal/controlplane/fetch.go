package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/valyala/fasthttp"
)

// Fetcher loads the remote part of the backend config.
type Fetcher interface {
	Fetch(ctx context.Context) (*Document, error)
}

// DefaultFetchTimeout bounds one control-plane request.
const DefaultFetchTimeout = 10 * time.Second

// HTTPFetcher GETs the document from the control-plane URL.
type HTTPFetcher struct {
	url     string
	token   string
	timeout time.Duration
	client  *fasthttp.Client
}

// NewHTTPFetcher creates a fetcher. A non-empty token is sent as a bearer
// credential.
func NewHTTPFetcher(url, token string) *HTTPFetcher {
	return &HTTPFetcher{
		url:     url,
		token:   token,
		timeout: DefaultFetchTimeout,
		client: &fasthttp.Client{
			Name:                "inference-failover",
			MaxIdleConnDuration: time.Minute,
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := f.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(f.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	if err := f.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("controlplane: fetch %s: %w", f.url, err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return nil, fmt.Errorf("controlplane: fetch %s: unexpected status %d", f.url, code)
	}

	format := FormatJSON
	if strings.Contains(string(resp.Header.ContentType()), "yaml") {
		format = FormatYAML
	}
	return Decode(resp.Body(), format)
}

// FileFetcher reads the document from a local JSON or YAML file.
type FileFetcher struct {
	path     string
	format   Format
	debounce time.Duration
	log      *slog.Logger
}

// NewFileFetcher creates a fetcher for path. The format follows the file
// extension.
func NewFileFetcher(path string, log *slog.Logger) *FileFetcher {
	if log == nil {
		log = slog.Default()
	}
	return &FileFetcher{
		path:     filepath.Clean(path),
		format:   FormatForPath(path),
		debounce: 300 * time.Millisecond,
		log:      log,
	}
}

func (f *FileFetcher) Path() string { return f.path }

func (f *FileFetcher) Fetch(_ context.Context) (*Document, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("controlplane: read %s: %w", f.path, err)
	}
	return Decode(data, f.format)
}

// Watch calls onChange after the file is written, created or renamed into
// place. Bursts of events are debounced. The parent directory is watched so
// atomic replaces made by editors and config-map mounts are seen. Watch
// blocks until ctx is cancelled.
func (f *FileFetcher) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("controlplane: new watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("controlplane: watch %s: %w", f.path, err)
	}
	f.log.Info("backend config watcher started", slog.String("path", f.path))

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(f.debounce, onChange)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.Error("backend config watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			return nil
		}
	}
}

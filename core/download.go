package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// ErrChecksumMismatch is returned when a downloaded file does not match its
// expected SHA-256. Retrying the same URL will not help.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// DownloadOptions configures a single download.
type DownloadOptions struct {
	// Resource names the download in progress reports
	Resource string
	URL      string
	DestPath string
	// ExpectedSHA256 is optional (lowercase hex, 64 chars)
	ExpectedSHA256 string
	// HTTPClient defaults to a client without timeout; ctx bounds the transfer
	HTTPClient *http.Client
	// OnProgress is called roughly every megabyte and on completion
	OnProgress func(ProgressInfo)
	// Resume continues a partial file with a Range request
	Resume bool
}

// DownloadResult describes a completed download.
type DownloadResult struct {
	BytesDownloaded int64
	TotalBytes      int64
	Resumed         bool
	ChecksumValid   bool
	Path            string
}

// DownloadWithProgress fetches opts.URL into opts.DestPath.
//
// Partial files are resumed when opts.Resume is set and the server honours
// Range requests. When ExpectedSHA256 is set the finished file is verified and
// a mismatch returns ErrChecksumMismatch.
func DownloadWithProgress(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if opts.DestPath == "" {
		return nil, fmt.Errorf("DestPath is required")
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	if err := os.MkdirAll(filepath.Dir(opts.DestPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	var resumeFrom int64
	if opts.Resume {
		if info, err := os.Stat(opts.DestPath); err == nil {
			resumeFrom = info.Size()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	var totalSize int64
	var resumed bool

	switch resp.StatusCode {
	case http.StatusOK:
		totalSize = resp.ContentLength
		resumeFrom = 0

	case http.StatusPartialContent:
		resumed = true
		if _, _, total, parseErr := ParseContentRange(resp.Header.Get("Content-Range")); parseErr == nil && total > 0 {
			totalSize = total
		} else if resp.ContentLength > 0 {
			totalSize = resumeFrom + resp.ContentLength
		}

	case http.StatusRequestedRangeNotSatisfiable:
		// The partial file may already be complete.
		if opts.ExpectedSHA256 != "" {
			if valid, verifyErr := VerifyChecksum(opts.DestPath, opts.ExpectedSHA256); verifyErr == nil && valid {
				info, _ := os.Stat(opts.DestPath)
				return &DownloadResult{
					TotalBytes:    info.Size(),
					Resumed:       true,
					ChecksumValid: true,
					Path:          opts.DestPath,
				}, nil
			}
		}
		_ = os.Remove(opts.DestPath)
		opts.Resume = false
		return DownloadWithProgress(ctx, opts)

	default:
		return nil, fmt.Errorf("unexpected status code: %s", resp.Status)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resumed {
		flags = os.O_APPEND | os.O_WRONLY
	}
	file, err := os.OpenFile(opts.DestPath, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination file: %w", err)
	}
	defer file.Close()

	tracker := NewProgressTracker(opts.Resource, totalSize)
	if resumed {
		tracker.SetDownloaded(resumeFrom)
	}

	written, err := io.Copy(file, &progressReader{
		reader:     resp.Body,
		tracker:    tracker,
		onProgress: opts.OnProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("download interrupted: %w", err)
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	result := &DownloadResult{
		BytesDownloaded: written,
		TotalBytes:      totalSize,
		Resumed:         resumed,
		Path:            opts.DestPath,
	}

	if opts.ExpectedSHA256 != "" {
		valid, verifyErr := VerifyChecksum(opts.DestPath, opts.ExpectedSHA256)
		if verifyErr != nil {
			return nil, fmt.Errorf("checksum verification failed: %w", verifyErr)
		}
		if !valid {
			return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, opts.DestPath)
		}
		result.ChecksumValid = true
	}

	return result, nil
}

// ParseContentRange parses "bytes start-end/total". total is -1 for "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	if header == "" {
		return 0, 0, 0, fmt.Errorf("empty Content-Range header")
	}

	var totalStr string
	n, scanErr := fmt.Sscanf(header, "bytes %d-%d/%s", &start, &end, &totalStr)
	if scanErr != nil || n < 3 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	if totalStr == "*" {
		return start, end, -1, nil
	}
	if _, err := fmt.Sscanf(totalStr, "%d", &total); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total in Content-Range: %q", totalStr)
	}
	return start, end, total, nil
}

// progressCallbackBytes rate-limits OnProgress.
const progressCallbackBytes = 1 << 20

type progressReader struct {
	reader       io.Reader
	tracker      *ProgressTracker
	onProgress   func(ProgressInfo)
	lastCallback int64
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.tracker.Update(int64(n))
	}
	if r.onProgress != nil && (n > 0 || err == io.EOF) {
		downloaded := r.tracker.Downloaded()
		if downloaded-r.lastCallback >= progressCallbackBytes || err == io.EOF {
			r.onProgress(r.tracker.Progress())
			r.lastCallback = downloaded
		}
	}
	return n, err
}

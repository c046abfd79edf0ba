package predictor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"strings"

	"flux_backend/core"
	"flux_backend/vision"
)

// MaxInputImageBytes bounds a downloaded or inlined seed image.
const MaxInputImageBytes = 32 << 20

// loadSeedImage resolves the image field: a data URI, an http(s) URL or a
// local path. An empty reference means no seed image.
func loadSeedImage(ctx context.Context, client *http.Client, ref string) (image.Image, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}

	var (
		data []byte
		err  error
	)
	switch {
	case strings.HasPrefix(ref, "data:"):
		data, err = decodeDataURI(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		data, err = fetchImage(ctx, client, ref)
	default:
		data, err = readImageFile(ref)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: image %s not found", core.ErrInvalidParameter, ref)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: image: %v", core.ErrInvalidParameter, err)
	}
	if len(data) > MaxInputImageBytes {
		return nil, fmt.Errorf("%w: image exceeds %d bytes", core.ErrInvalidParameter, MaxInputImageBytes)
	}

	img, err := vision.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: image: %v", core.ErrInvalidParameter, err)
	}
	return img, nil
}

func readImageFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, MaxInputImageBytes+1))
}

func decodeDataURI(uri string) ([]byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, errors.New("malformed data URI")
	}
	if !strings.HasSuffix(header, ";base64") {
		return nil, errors.New("data URI must be base64 encoded")
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxInputImageBytes+2 {
		return nil, fmt.Errorf("data URI payload exceeds %d bytes", MaxInputImageBytes)
	}
	return base64.StdEncoding.DecodeString(payload)
}

func fetchImage(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, MaxInputImageBytes+1))
}

package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/A-910/duan2024/camstream/internal/logger"
)

var (
	// ErrNoImages means the source holds no snapshot yet.
	ErrNoImages = errors.New("detector: no images")
	// ErrNotModified means the newest snapshot is not newer than the one
	// the caller already has.
	ErrNotModified = errors.New("detector: not modified")
)

// Image is one stored snapshot.
type Image struct {
	Name    string
	Data    []byte
	Updated time.Time
}

// ImageSource returns the newest stored snapshot. When since is non-zero
// and the newest snapshot is not newer, it returns ErrNotModified without
// transferring the data.
type ImageSource interface {
	Latest(ctx context.Context, since time.Time) (Image, error)
}

// DirSource reads the newest .jpg below Dir, where a file upload sink
// writes its snapshots.
type DirSource struct {
	Dir string
}

// Latest implements ImageSource.
func (s DirSource) Latest(ctx context.Context, since time.Time) (Image, error) {
	var (
		newest     string
		newestTime time.Time
	)
	err := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".jpg") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil // removed while walking
		}
		if info.ModTime().After(newestTime) {
			newest, newestTime = path, info.ModTime()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Image{}, ErrNoImages
		}
		return Image{}, fmt.Errorf("dir source: %w", err)
	}
	if newest == "" {
		return Image{}, ErrNoImages
	}
	if !since.IsZero() && !newestTime.After(since) {
		return Image{}, ErrNotModified
	}

	data, err := os.ReadFile(newest)
	if err != nil {
		return Image{}, fmt.Errorf("dir source: %w", err)
	}
	rel, _ := filepath.Rel(s.Dir, newest)
	return Image{Name: filepath.ToSlash(rel), Data: data, Updated: newestTime}, nil
}

// HTTPSource fetches the newest snapshot from a URL that serves it with a
// Last-Modified header.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// Latest implements ImageSource using a conditional GET.
func (s HTTPSource) Latest(ctx context.Context, since time.Time) (Image, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return Image{}, fmt.Errorf("http source: %w", err)
	}
	if !since.IsZero() {
		req.Header.Set("If-Modified-Since", since.UTC().Format(http.TimeFormat))
	}

	resp, err := client.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("http source: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return Image{}, ErrNotModified
	case http.StatusNotFound:
		return Image{}, ErrNoImages
	default:
		return Image{}, fmt.Errorf("http source: status code %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Image{}, fmt.Errorf("http source: read: %w", err)
	}
	if len(data) == 0 {
		return Image{}, ErrNoImages
	}

	updated := time.Now()
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		updated = lm
	}
	if !since.IsZero() && !updated.After(since) {
		return Image{}, ErrNotModified
	}
	return Image{Name: resp.Request.URL.Path, Data: data, Updated: updated}, nil
}

// Cache remembers the last downloaded snapshot and serves it again while
// the source has nothing newer.
type Cache struct {
	src     ImageSource
	data    []byte
	name    string
	updated time.Time
	log     logger.Module
}

// NewCache wraps src.
func NewCache(src ImageSource) *Cache {
	return &Cache{src: src, log: logger.For("Source")}
}

// Fetch returns the newest snapshot bytes, or the cached bytes when the
// source reports nothing newer.
func (c *Cache) Fetch(ctx context.Context) ([]byte, error) {
	img, err := c.src.Latest(ctx, c.updated)
	switch {
	case errors.Is(err, ErrNotModified):
		if c.data == nil {
			return nil, ErrNoImages
		}
		return c.data, nil
	case err != nil:
		return nil, err
	}

	c.data, c.name, c.updated = img.Data, img.Name, img.Updated
	c.log.Info("Downloaded new image %s (%d bytes)", img.Name, len(img.Data))
	return c.data, nil
}

// Name returns the name of the cached snapshot.
func (c *Cache) Name() string { return c.name }

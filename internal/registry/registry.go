// Package registry resolves which camera to read from.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/A-910/duan2024/camstream/internal/logger"
	"github.com/A-910/duan2024/camstream/pkg/types"
)

// DefaultDeviceName is used when the registry entry has no name.
const DefaultDeviceName = "Unknown Device"

// ErrMissingAddress is returned when the registry entry has no IP address.
var ErrMissingAddress = errors.New("registry: missing ip_address")

// Provider resolves the device to stream from.
type Provider interface {
	Resolve(ctx context.Context) (types.Device, error)
}

// LocalFile reads a JSON or YAML registry file.
type LocalFile struct {
	Path string
}

// Resolve implements Provider.
func (f LocalFile) Resolve(ctx context.Context) (types.Device, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return types.Device{}, fmt.Errorf("registry file %s: %w", f.Path, err)
	}

	var dev types.Device
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &dev)
	default:
		err = json.Unmarshal(data, &dev)
	}
	if err != nil {
		return types.Device{}, fmt.Errorf("registry file %s: decode: %w", f.Path, err)
	}
	return normalize(dev)
}

// RemoteURL fetches the registry entry as JSON over HTTP.
type RemoteURL struct {
	URL    string
	Client *http.Client
}

// Resolve implements Provider.
func (r RemoteURL) Resolve(ctx context.Context) (types.Device, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return types.Device{}, fmt.Errorf("registry url: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return types.Device{}, fmt.Errorf("registry url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Device{}, fmt.Errorf("registry url: status code %d", resp.StatusCode)
	}

	var dev types.Device
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&dev); err != nil {
		return types.Device{}, fmt.Errorf("registry url: decode: %w", err)
	}
	return normalize(dev)
}

// Fallback tries each provider in order and returns the first success.
// A provider that answers with ErrMissingAddress stops the search: the
// registry was reachable but the entry is invalid.
type Fallback []Provider

// Resolve implements Provider.
func (f Fallback) Resolve(ctx context.Context) (types.Device, error) {
	log := logger.For("Registry")
	var errs []error
	for _, p := range f {
		dev, err := p.Resolve(ctx)
		if err == nil {
			return dev, nil
		}
		if errors.Is(err, ErrMissingAddress) {
			return types.Device{}, err
		}
		log.Warn("%v", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return types.Device{}, errors.New("registry: no provider configured")
	}
	return types.Device{}, errors.Join(errs...)
}

// New builds the provider chain: remote URL first when set, then the file.
func New(url, file string, timeout time.Duration) Provider {
	var chain Fallback
	if url != "" {
		chain = append(chain, RemoteURL{URL: url, Client: &http.Client{Timeout: timeout}})
	}
	if file != "" {
		chain = append(chain, LocalFile{Path: file})
	}
	if len(chain) == 1 {
		return chain[0]
	}
	return chain
}

func normalize(dev types.Device) (types.Device, error) {
	dev.Name = strings.TrimSpace(dev.Name)
	dev.IPAddress = strings.TrimSpace(dev.IPAddress)
	if dev.Name == "" {
		dev.Name = DefaultDeviceName
	}
	if dev.IPAddress == "" {
		return dev, fmt.Errorf("%w for device %s", ErrMissingAddress, dev.Name)
	}
	return dev, nil
}

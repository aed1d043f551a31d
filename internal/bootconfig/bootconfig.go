// Package bootconfig loads a server's per-configuration JSON files:
// the subnet a configuration serves, its chunk size, and the named
// files that make up its image.
package bootconfig

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// DefaultChunkSize is used when a config file omits chunk_size: 2^22
// bytes (4 MiB).
const DefaultChunkSize = 1 << 22

// Config is one configuration loaded from a JSON file on the server
// CLI's command line.
type Config struct {
	Subnet     *net.IPNet        `json:"-"`
	ChunkSize  uint32            `json:"-"`
	SwapSizeMB float64           `json:"-"`
	RootSizeMB float64           `json:"-"`
	IPMethod   string            `json:"-"`
	ExtraArgs  string            `json:"-"`
	Files      map[string]string `json:"-"`

	SourcePath string `json:"-"`
}

// raw mirrors the on-disk JSON shape before path resolution and
// default application.
type raw struct {
	Subnet    string            `json:"subnet"`
	ChunkSize uint32            `json:"chunk_size"`
	SwapSize  float64           `json:"swap_size"`
	RootSize  float64           `json:"root_size"`
	IPMethod  string            `json:"ip_method"`
	ExtraArgs string            `json:"extra_args"`
	Files     map[string]string `json:"files"`
}

// Load reads and validates one configuration file. Relative file
// paths in the "files" map are resolved against the config file's
// own directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("bootconfig: read %s: %w", path, err)
	}

	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return Config{}, fmt.Errorf("bootconfig: parse %s: %w", path, err)
	}

	_, subnet, err := net.ParseCIDR(r.Subnet)
	if err != nil {
		return Config{}, fmt.Errorf("bootconfig: %s: invalid subnet %q: %w", path, r.Subnet, err)
	}

	chunkSize := r.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	dir := filepath.Dir(path)
	files := make(map[string]string, len(r.Files))
	for name, p := range r.Files {
		if name == "" {
			return Config{}, fmt.Errorf("bootconfig: %s: empty file name", path)
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		files[name] = p
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("bootconfig: %s: no files declared", path)
	}

	return Config{
		Subnet:     subnet,
		ChunkSize:  chunkSize,
		SwapSizeMB: r.SwapSize,
		RootSizeMB: r.RootSize,
		IPMethod:   r.IPMethod,
		ExtraArgs:  r.ExtraArgs,
		Files:      files,
		SourcePath: path,
	}, nil
}

// LoadAll loads every path in order, failing on the first error.
func LoadAll(paths []string) ([]Config, error) {
	configs := make([]Config, 0, len(paths))
	for _, p := range paths {
		c, err := Load(p)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, nil
}

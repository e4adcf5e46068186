package features

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	xxhash "github.com/OneOfOne/xxhash"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nzoschke/genrelab/pkg/errs"
)

// CacheExt is the extension of spectrogram cache files.
const CacheExt = ".mel"

const cacheVersion = 2

// Cache is a spectrogram persisted next to its source audio.
type Cache struct {
	Version     int          `msgpack:"version"`
	Source      string       `msgpack:"source"`
	Checksum    uint64       `msgpack:"checksum"`
	Policy      Policy       `msgpack:"policy"`
	Window      Window       `msgpack:"window"`
	Spectrogram *Spectrogram `msgpack:"spectrogram"`
}

// CachePath returns the cache file for one window of audioPath.
func CachePath(audioPath string, w Window) string {
	stem := strings.TrimSuffix(audioPath, filepath.Ext(audioPath))
	if w.Name != "" {
		stem += "_" + w.Name
	}
	return stem + CacheExt
}

// IsCacheFile reports whether path looks like a spectrogram cache file.
func IsCacheFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), CacheExt)
}

// WriteCache writes c to path.
func WriteCache(path string, c *Cache) error {
	if c.Spectrogram == nil {
		return fmt.Errorf("write cache %s: nil spectrogram", path)
	}
	c.Version = cacheVersion
	data, err := msgpack.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errs.IO("write cache", path, err)
	}
	return nil
}

// ReadCache reads and validates a cache file.
func ReadCache(path string) (*Cache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.FromFS("read cache", path, err)
	}

	var c Cache
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return nil, errs.Decode("read cache", path, err)
	}
	if c.Version != cacheVersion {
		return nil, errs.Decode("read cache", path, fmt.Errorf("unsupported version %d", c.Version))
	}
	s := c.Spectrogram
	if s == nil || len(s.Data) != s.Mels*s.Frames {
		return nil, errs.Decode("read cache", path, fmt.Errorf("corrupt spectrogram"))
	}
	return &c, nil
}

// Checksum returns the xxhash64 of the file at path.
func Checksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errs.FromFS("checksum", path, err)
	}
	defer f.Close()

	h := xxhash.New64()
	if _, err := io.Copy(h, f); err != nil {
		return 0, errs.IO("checksum", path, err)
	}
	return h.Sum64(), nil
}

package cache

import (
	"context"
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Disk is a content-addressed on-disk tier. Entries live under
// dir/<key[:2]>/<key> with an 8-byte big-endian unix-nano expiry header
// followed by the payload. Like the Redis tier, failures degrade to misses.
type Disk struct {
	dir string
	log *slog.Logger
	now func() time.Time
}

// NewDisk creates the tier rooted at dir.
func NewDisk(dir string, log *slog.Logger) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Disk{dir: dir, log: log, now: time.Now}, nil
}

func (d *Disk) path(key string) string {
	shard := "00"
	if len(key) >= 2 {
		shard = key[:2]
	}
	return filepath.Join(d.dir, shard, key)
}

func (d *Disk) Get(ctx context.Context, key string) ([]byte, bool) {
	raw, err := os.ReadFile(d.path(key))
	if err != nil || len(raw) < 8 {
		return nil, false
	}
	expires := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
	if d.now().After(expires) {
		_ = os.Remove(d.path(key))
		return nil, false
	}
	return raw[8:], true
}

func (d *Disk) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	p := d.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "cache disk set failed",
			slog.String("error", err.Error()))
		return
	}
	buf := make([]byte, 8+len(val))
	binary.BigEndian.PutUint64(buf[:8], uint64(d.now().Add(ttl).UnixNano()))
	copy(buf[8:], val)

	// Write-then-rename so readers never observe a partial entry.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "cache disk set failed",
			slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		d.log.LogAttrs(ctx, slog.LevelWarn, "cache disk set failed",
			slog.String("error", err.Error()))
	}
}

func (d *Disk) Delete(ctx context.Context, key string) {
	_ = os.Remove(d.path(key))
}

func (d *Disk) Purge(ctx context.Context) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		_ = os.RemoveAll(filepath.Join(d.dir, e.Name()))
	}
}

func (d *Disk) Close() error { return nil }

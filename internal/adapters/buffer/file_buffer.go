package buffer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"gopkg.in/tomb.v2"

	"github.com/ghalamif/AegisRelay/internal/domain"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

const (
	DefaultMaxFileSize   = 100 * 1000 * 1000
	DefaultWriteInterval = 2 * time.Second

	maxLineBytes = 16 << 20
)

type Config struct {
	Dir           string
	MaxFileSize   int64
	WriteInterval time.Duration
	Clock         clock.Clock
}

// FileBuffer keeps records a sink could not deliver in per-kind CSV files
// under Dir. Enqueue only touches memory; a background loop appends the
// pending list to disk every WriteInterval.
type FileBuffer struct {
	cfg Config
	obs ports.Observability

	mu      sync.Mutex
	pending []*domain.Record

	// fileMu serializes appends and compaction over the directory.
	fileMu sync.Mutex

	tomb tomb.Tomb
}

func New(cfg Config, obs ports.Observability) (*FileBuffer, error) {
	if cfg.Dir == "" {
		return nil, errors.New("buffer dir is required")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.WriteInterval <= 0 {
		cfg.WriteInterval = DefaultWriteInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("buffer dir: %w", err)
	}
	return &FileBuffer{cfg: cfg, obs: obs}, nil
}

// Start launches the drain loop. Stop ends it after a final flush.
func (b *FileBuffer) Start() {
	b.tomb.Go(b.loop)
}

func (b *FileBuffer) Stop() error {
	b.tomb.Kill(nil)
	return b.tomb.Wait()
}

func (b *FileBuffer) loop() error {
	for {
		select {
		case <-b.tomb.Dying():
			b.Flush()
			return nil
		case <-b.cfg.Clock.After(b.cfg.WriteInterval):
			b.Flush()
		}
	}
}

// Enqueue never blocks on disk and never fails. Ephemeral records are
// ignored since the next poll supersedes them.
func (b *FileBuffer) Enqueue(recs []*domain.Record) {
	var keep []*domain.Record
	for _, r := range recs {
		if r == nil || r.Ephemeral() {
			continue
		}
		if _, ok := codecs[r.Kind()]; !ok {
			continue
		}
		keep = append(keep, r)
	}
	if len(keep) == 0 {
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, keep...)
	b.mu.Unlock()
}

// Flush writes every pending record to disk. Records whose kind could not be
// written go back to the front of the pending list for the next tick.
func (b *FileBuffer) Flush() error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	byKind := make(map[domain.Kind][]*domain.Record)
	for _, r := range batch {
		byKind[r.Kind()] = append(byKind[r.Kind()], r)
	}

	var (
		failed []*domain.Record
		errs   []error
	)
	b.fileMu.Lock()
	for _, kind := range domain.WriteOrder {
		recs := byKind[kind]
		if len(recs) == 0 {
			continue
		}
		n, err := b.appendKind(kind, recs)
		if n > 0 {
			b.obs.IncCounter("relay_buffer_written_total", float64(n))
		}
		if err != nil {
			b.obs.LogError("buffer_write_failed", err, ports.F("kind", kind.String()), ports.F("pending", len(recs)-n))
			failed = append(failed, recs[n:]...)
			errs = append(errs, err)
		}
	}
	b.fileMu.Unlock()

	if len(failed) > 0 {
		b.mu.Lock()
		b.pending = append(failed, b.pending...)
		b.mu.Unlock()
	}
	return errors.Join(errs...)
}

// appendKind appends recs to the kind's rotation files and returns how many
// leading records were written.
func (b *FileBuffer) appendKind(kind domain.Kind, recs []*domain.Record) (int, error) {
	prefix := codecs[kind].prefix
	files, err := b.kindFiles(prefix)
	if err != nil {
		return 0, err
	}

	// pick returns the first file after index `after` with room left, or a
	// fresh index past every existing file.
	pick := func(after int) (int, int64) {
		for _, f := range files {
			if f.index > after && f.size < b.cfg.MaxFileSize {
				return f.index, f.size
			}
		}
		return max(after+1, nextIndex(files)), 0
	}
	idx, size := pick(-1)

	var (
		seg  bytes.Buffer
		done int
		n    int
	)
	write := func() error {
		if seg.Len() == 0 {
			return nil
		}
		if err := appendFile(b.filePath(prefix, idx), seg.Bytes()); err != nil {
			return err
		}
		done += n
		n = 0
		seg.Reset()
		return nil
	}

	for _, r := range recs {
		line, err := encodeRecord(r)
		if err != nil {
			b.obs.LogError("buffer_encode_failed", err, ports.F("entry_id", r.EntryID))
			b.obs.RecordDropped(kind, 1, "encode")
			n++
			continue
		}
		if size >= b.cfg.MaxFileSize {
			if err := write(); err != nil {
				return done, err
			}
			idx, size = pick(idx)
		}
		seg.Write(line)
		size += int64(len(line))
		n++
	}
	if err := write(); err != nil {
		return done, err
	}
	return done + n, nil
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return errors.Join(err, f.Close())
	}
	return f.Close()
}

// Read returns up to maxRecords buffered records of kind, oldest file first.
// Lines that do not decode are skipped.
func (b *FileBuffer) Read(kind domain.Kind, maxRecords int) []*domain.Record {
	c, ok := codecs[kind]
	if !ok || maxRecords <= 0 {
		return nil
	}

	b.fileMu.Lock()
	defer b.fileMu.Unlock()

	files, err := b.kindFiles(c.prefix)
	if err != nil {
		b.obs.LogError("buffer_read_failed", err, ports.F("kind", kind.String()))
		return nil
	}

	var out []*domain.Record
	for _, f := range files {
		if len(out) >= maxRecords {
			break
		}
		recs, err := b.readFile(kind, f.path, maxRecords-len(out))
		if err != nil {
			b.obs.LogError("buffer_read_failed", err, ports.F("file", filepath.Base(f.path)))
		}
		out = append(out, recs...)
	}
	return out
}

func (b *FileBuffer) readFile(kind domain.Kind, path string, limit int) ([]*domain.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []*domain.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() && len(out) < limit {
		line := sc.Text()
		if line == "" {
			continue
		}
		r, err := decodeRecord(kind, line)
		if err != nil {
			b.obs.LogDebug("buffer_line_skipped", ports.F("file", filepath.Base(path)), ports.F("error", err.Error()))
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

// Remove compacts every buffer file, dropping lines whose entry id is in
// ids. A file left without records is truncated, not deleted. Errors are
// joined per file; callers should assume some ids may still be present.
func (b *FileBuffer) Remove(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	b.fileMu.Lock()
	defer b.fileMu.Unlock()

	entries, err := os.ReadDir(b.cfg.Dir)
	if err != nil {
		b.obs.LogError("buffer_remove_failed", err)
		return err
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		if err := b.compact(filepath.Join(b.cfg.Dir, e.Name()), drop); err != nil {
			b.obs.LogError("buffer_compact_failed", err, ports.F("file", e.Name()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *FileBuffer) compact(path string, drop map[string]struct{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var (
		keep    bytes.Buffer
		removed int
	)
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		id := entryID(line)
		if _, ok := drop[id]; ok || id == "" {
			removed++
			continue
		}
		keep.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			keep.WriteByte('\n')
		}
	}
	if removed == 0 {
		return nil
	}

	tmp, err := os.CreateTemp(b.cfg.Dir, ".compact-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(keep.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	b.obs.LogDebug("buffer_compacted", ports.F("file", filepath.Base(path)), ports.F("removed", removed))
	return nil
}

func (b *FileBuffer) Stats() ports.BufferStats {
	b.mu.Lock()
	pending := len(b.pending)
	b.mu.Unlock()

	var size int64
	entries, err := os.ReadDir(b.cfg.Dir)
	if err == nil {
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), ".csv") {
				continue
			}
			if info, err := e.Info(); err == nil {
				size += info.Size()
			}
		}
	}
	return ports.BufferStats{Pending: pending, SizeBytes: size}
}

// String is used in log lines.
func (b *FileBuffer) String() string {
	st := b.Stats()
	return fmt.Sprintf("%s (%d pending, %s on disk)", b.cfg.Dir, st.Pending, humanize.Bytes(uint64(st.SizeBytes)))
}

type rotationFile struct {
	index int
	path  string
	size  int64
}

// kindFiles lists prefix.csv, prefix_1.csv, ... ordered by index.
func (b *FileBuffer) kindFiles(prefix string) ([]rotationFile, error) {
	entries, err := os.ReadDir(b.cfg.Dir)
	if err != nil {
		return nil, err
	}
	var out []rotationFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, ok := rotationIndex(prefix, e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, rotationFile{index: idx, path: filepath.Join(b.cfg.Dir, e.Name()), size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out, nil
}

func rotationIndex(prefix, name string) (int, bool) {
	base, ok := strings.CutSuffix(name, ".csv")
	if !ok {
		return 0, false
	}
	if base == prefix {
		return 0, true
	}
	rest, ok := strings.CutPrefix(base, prefix+"_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func nextIndex(files []rotationFile) int {
	if len(files) == 0 {
		return 0
	}
	return files[len(files)-1].index + 1
}

func (b *FileBuffer) filePath(prefix string, idx int) string {
	if idx == 0 {
		return filepath.Join(b.cfg.Dir, prefix+".csv")
	}
	return filepath.Join(b.cfg.Dir, fmt.Sprintf("%s_%d.csv", prefix, idx))
}

var _ ports.OverflowBuffer = (*FileBuffer)(nil)

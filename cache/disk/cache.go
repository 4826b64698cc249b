// Package disk provides a journaled, size-bounded LRU cache on the local
// filesystem.
//
// Entries are files named by an encoded key. A journal records every state
// change (DIRTY, CLEAN, REMOVE, READ) so the index and its access order
// survive process restarts. Writers go through an [Editor], which writes to a
// temporary file and publishes it atomically on Commit; an aborted or failed
// edit never becomes visible through Get.
//
// The cache owns its directory. If the journal is missing or unreadable the
// directory is wiped and a fresh journal is written.
package disk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/tessera/errs"
	"github.com/meigma/tessera/internal/keylock"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	defaultFilePerm       = 0o600

	// DefaultMaxSize is the default byte budget.
	DefaultMaxSize int64 = 100 << 20

	// compactThreshold is the number of redundant journal records that
	// triggers a rewrite, provided it also exceeds the entry count.
	compactThreshold = 2000
)

var (
	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("disk: cache closed")

	// ErrInvalidKey is returned for keys that are not safe file names.
	ErrInvalidKey = errors.New("disk: invalid key")

	// ErrIncompleteWrite is returned by Commit when fewer or more bytes than
	// declared were written. The edit is aborted.
	ErrIncompleteWrite = errors.New("disk: incomplete write")

	// ErrEditorClosed is returned when an editor is used after Commit or Abort.
	ErrEditorClosed = errors.New("disk: editor closed")
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,120}$`)

// EncodeKey maps a logical cache key to a stable file-safe key: the hex
// SHA-256 digest of the logical key.
func EncodeKey(logical string) string {
	return digest.FromString(logical).Encoded()
}

// Cache is a journaled LRU of files. It is safe for concurrent use.
type Cache struct {
	dir            string
	maxSize        int64
	appVersion     int
	shardPrefixLen int
	dirPerm        os.FileMode
	logger         *slog.Logger

	mu           sync.Mutex
	size         int64
	entries      *simplelru.LRU[string, *entry]
	journal      *os.File
	jw           *bufio.Writer
	redundantOps int
	nextSeq      int64
	closed       bool

	locks *keylock.Map
}

type entry struct {
	key      string
	size     int64
	seq      int64
	readable bool
	editor   *Editor
}

// Option configures a disk cache.
type Option func(*Cache)

// WithShardPrefixLen sets the number of key characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(c *Cache) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// WithAppVersion sets the version written to the journal header. Opening a
// directory written with a different version wipes it.
func WithAppVersion(v int) Option {
	return func(c *Cache) {
		c.appVersion = v
	}
}

// WithLogger sets the logger for cache diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// Open opens or creates a cache rooted at dir holding at most maxSize bytes.
// A maxSize <= 0 uses DefaultMaxSize. Failures to prepare the directory
// wrap errs.ErrCacheInstall.
func Open(dir string, maxSize int64, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: cache dir is empty", errs.ErrCacheInstall)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		dir:            dir,
		maxSize:        maxSize,
		appVersion:     1,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		locks:          keylock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	entries, err := simplelru.NewLRU[string, *entry](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	c.entries = entries

	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrCacheInstall, err)
	}
	if err := c.load(); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrCacheInstall, err)
	}
	return c, nil
}

func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// load reads the journal, falling back to wiping the directory when the
// journal is missing or invalid.
func (c *Cache) load() error {
	restoreBackup(c.dir)

	torn, err := c.readJournal()
	if err == nil {
		c.processJournal()
		if torn {
			c.log().Warn("disk cache journal has a torn record, rewriting", "dir", c.dir)
			return c.rebuildJournal()
		}
		return c.openJournalAppend()
	}
	if !errors.Is(err, os.ErrNotExist) {
		c.log().Warn("disk cache journal invalid, wiping", "dir", c.dir, "error", err)
	}
	if err := c.wipe(); err != nil {
		return err
	}
	c.entries.Purge()
	c.size = 0
	c.redundantOps = 0
	return c.rebuildJournal()
}

// wipe removes everything inside the cache directory.
func (c *Cache) wipe() error {
	items, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := os.RemoveAll(filepath.Join(c.dir, item.Name())); err != nil {
			return err
		}
	}
	return nil
}

// processJournal drops entries whose last record was DIRTY: their edit never
// completed, so both the published and the temporary files are discarded.
func (c *Cache) processJournal() {
	for _, key := range c.entries.Keys() {
		e, _ := c.entries.Peek(key)
		if e.editor == nil && e.readable {
			c.size += e.size
			continue
		}
		_ = os.Remove(c.cleanPath(key))
		_ = os.Remove(c.dirtyPath(key))
		c.entries.Remove(key)
	}
}

func (c *Cache) validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func (c *Cache) cleanPath(key string) string {
	if c.shardPrefixLen <= 0 {
		return filepath.Join(c.dir, key)
	}
	prefixLen := min(c.shardPrefixLen, len(key))
	return filepath.Join(c.dir, key[:prefixLen], key)
}

func (c *Cache) dirtyPath(key string) string {
	return c.cleanPath(key) + ".tmp"
}

// Get returns a snapshot of the committed entry for key, or nil when there is
// none. The caller must Close the snapshot.
func (c *Cache) Get(key string) (*Snapshot, error) {
	if err := c.validateKey(key); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	e, ok := c.entries.Get(key)
	if !ok || !e.readable {
		return nil, nil //nolint:nilnil // a miss is not an error
	}
	f, err := os.Open(c.cleanPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.log().Warn("disk cache file vanished", "key", key)
			c.removeEntry(e)
			return nil, nil //nolint:nilnil // a miss is not an error
		}
		return nil, err
	}
	c.redundantOps++
	if err := c.appendRecord("READ " + key); err != nil {
		f.Close()
		return nil, err
	}
	c.maybeCompact()
	return &Snapshot{key: key, size: e.size, seq: e.seq, file: f}, nil
}

// Edit starts an edit of key. It returns nil when another edit of the same
// key is in progress; callers serialize through EditLock to avoid that.
func (c *Cache) Edit(key string) (*Editor, error) {
	if err := c.validateKey(key); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	e, ok := c.entries.Peek(key)
	if ok && e.editor != nil {
		return nil, nil //nolint:nilnil // edit in progress
	}
	if !ok {
		e = &entry{key: key}
		c.entries.Add(key, e)
	}
	path := c.dirtyPath(key)
	if err := os.MkdirAll(filepath.Dir(path), c.dirPerm); err != nil {
		c.dropIfUnreadable(e)
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultFilePerm)
	if err != nil {
		c.dropIfUnreadable(e)
		return nil, err
	}
	ed := &Editor{cache: c, entry: e, file: f, expected: -1}
	e.editor = ed
	// The DIRTY record must be durable before the published file changes.
	if err := c.appendRecord("DIRTY " + key); err != nil {
		e.editor = nil
		f.Close()
		_ = os.Remove(path)
		c.dropIfUnreadable(e)
		return nil, err
	}
	return ed, nil
}

func (c *Cache) dropIfUnreadable(e *entry) {
	if !e.readable {
		c.entries.Remove(e.key)
	}
}

// EditLock returns the lock that serializes editors of key.
func (c *Cache) EditLock(key string) sync.Locker {
	return c.locks.Locker(key)
}

// completeEdit publishes or discards the temporary file of ed.
func (c *Cache) completeEdit(ed *Editor, success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := ed.entry
	if e.editor != ed {
		return ErrEditorClosed
	}
	e.editor = nil
	dirty := c.dirtyPath(e.key)

	if c.closed {
		_ = os.Remove(dirty)
		return ErrClosed
	}

	if success {
		if err := os.Rename(dirty, c.cleanPath(e.key)); err != nil {
			_ = os.Remove(dirty)
			success = false
			c.log().Warn("disk cache publish failed", "key", e.key, "error", err)
		}
	} else {
		_ = os.Remove(dirty)
	}

	c.redundantOps++
	var err error
	switch {
	case success:
		c.size += ed.written - e.size
		e.size = ed.written
		e.readable = true
		e.seq = c.nextSeq
		c.nextSeq++
		c.entries.Get(e.key)
		err = c.appendRecord(fmt.Sprintf("CLEAN %s %d %d", e.key, e.size, e.seq))
	case e.readable:
		err = c.appendRecord(fmt.Sprintf("CLEAN %s %d %d", e.key, e.size, e.seq))
	default:
		c.entries.Remove(e.key)
		err = c.appendRecord("REMOVE " + e.key)
	}
	if err != nil {
		return err
	}
	if c.size > c.maxSize {
		c.trimToSize(c.maxSize)
	}
	c.maybeCompact()
	return nil
}

// Remove deletes the committed entry for key. It reports false when the key
// is absent or being edited.
func (c *Cache) Remove(key string) (bool, error) {
	if err := c.validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}
	e, ok := c.entries.Peek(key)
	if !ok || e.editor != nil {
		return false, nil
	}
	if err := c.removeEntry(e); err != nil {
		return false, err
	}
	c.maybeCompact()
	return true, nil
}

// removeEntry deletes e's file and journals the removal. Called with c.mu held.
func (c *Cache) removeEntry(e *entry) error {
	if err := os.Remove(c.cleanPath(e.key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if e.readable {
		c.size -= e.size
	}
	c.entries.Remove(e.key)
	c.redundantOps++
	return c.appendRecord("REMOVE " + e.key)
}

// trimToSize evicts least recently used committed entries until
// size <= target. Entries under edit are skipped. Called with c.mu held.
func (c *Cache) trimToSize(target int64) {
	for _, key := range c.entries.Keys() {
		if c.size <= target {
			return
		}
		e, _ := c.entries.Peek(key)
		if e.editor != nil || !e.readable {
			continue
		}
		if err := c.removeEntry(e); err != nil {
			c.log().Warn("disk cache eviction failed", "key", key, "error", err)
			return
		}
		c.log().Debug("disk cache evicted", "key", key, "bytes", e.size)
	}
}

// Clear removes every committed entry.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.trimToSize(0)
	return c.rebuildJournal()
}

// Size returns the bytes held by committed entries.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the byte budget.
func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

// Len returns the number of indexed entries, including ones under edit.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Flush forces buffered journal records to disk.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.jw.Flush()
}

// Close flushes and closes the journal. Open editors fail on completion.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	flushErr := c.jw.Flush()
	closeErr := c.journal.Close()
	return errors.Join(flushErr, closeErr)
}

// Snapshot is a read handle on a committed entry. Readers created from one
// snapshot are independent and remain valid until Close even if the entry is
// evicted or replaced meanwhile.
type Snapshot struct {
	key  string
	size int64
	seq  int64
	file *os.File
}

// Key returns the entry key.
func (s *Snapshot) Key() string { return s.key }

// Size returns the entry length in bytes.
func (s *Snapshot) Size() int64 { return s.size }

// Sequence returns the commit sequence number of the entry.
func (s *Snapshot) Sequence() int64 { return s.seq }

// NewReader returns an independent reader over the entry bytes.
func (s *Snapshot) NewReader() io.Reader {
	return io.NewSectionReader(s.file, 0, s.size)
}

// ReadAt implements io.ReaderAt over the entry bytes.
func (s *Snapshot) ReadAt(p []byte, off int64) (int, error) {
	return io.NewSectionReader(s.file, 0, s.size).ReadAt(p, off)
}

// Close releases the snapshot.
func (s *Snapshot) Close() error {
	return s.file.Close()
}

// Editor writes one entry. Exactly one of Commit or Abort must be called.
type Editor struct {
	cache    *Cache
	entry    *entry
	file     *os.File
	written  int64
	expected int64
	done     bool
}

// Key returns the entry key.
func (ed *Editor) Key() string { return ed.entry.key }

// SetExpectedLength declares the number of bytes the edit must contain.
// Commit fails with ErrIncompleteWrite when the written length differs.
func (ed *Editor) SetExpectedLength(n int64) {
	ed.expected = n
}

// Write appends p to the pending entry.
func (ed *Editor) Write(p []byte) (int, error) {
	if ed.done {
		return 0, ErrEditorClosed
	}
	n, err := ed.file.Write(p)
	ed.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far.
func (ed *Editor) Written() int64 { return ed.written }

// Commit publishes the entry. If an expected length was declared and not
// met the edit is aborted and ErrIncompleteWrite returned.
func (ed *Editor) Commit() error {
	if ed.done {
		return ErrEditorClosed
	}
	ed.done = true
	if ed.expected >= 0 && ed.written != ed.expected {
		_ = ed.file.Close()
		if err := ed.cache.completeEdit(ed, false); err != nil {
			return err
		}
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrIncompleteWrite, ed.written, ed.expected)
	}
	if err := ed.file.Sync(); err != nil {
		_ = ed.file.Close()
		_ = ed.cache.completeEdit(ed, false)
		return err
	}
	if err := ed.file.Close(); err != nil {
		_ = ed.cache.completeEdit(ed, false)
		return err
	}
	return ed.cache.completeEdit(ed, true)
}

// Abort discards the pending entry. Aborting after Commit is a no-op.
func (ed *Editor) Abort() error {
	if ed.done {
		return nil
	}
	ed.done = true
	_ = ed.file.Close()
	return ed.cache.completeEdit(ed, false)
}

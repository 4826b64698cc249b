package disk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	journalName       = "journal"
	journalTmpName    = "journal.tmp"
	journalBackupName = "journal.bkp"

	journalMagic   = "tessera.DiskCache"
	journalVersion = "1"

	opClean  = "CLEAN"
	opDirty  = "DIRTY"
	opRemove = "REMOVE"
	opRead   = "READ"
)

// errBadJournal marks a journal that cannot be trusted.
var errBadJournal = errors.New("disk: bad journal")

// replayEditor marks entries whose last journal record was DIRTY.
var replayEditor = &Editor{}

// restoreBackup recovers from a crash in the middle of a journal rewrite.
func restoreBackup(dir string) {
	backup := filepath.Join(dir, journalBackupName)
	if _, err := os.Stat(backup); err != nil {
		return
	}
	journal := filepath.Join(dir, journalName)
	if _, err := os.Stat(journal); err == nil {
		_ = os.Remove(backup)
		return
	}
	_ = os.Rename(backup, journal)
}

// readJournal replays the journal into c.entries. A torn final record is
// ignored and reported through the returned flag so the caller rewrites the
// journal.
func (c *Cache) readJournal() (torn bool, err error) {
	f, err := os.Open(filepath.Join(c.dir, journalName))
	if err != nil {
		return false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := []string{journalMagic, journalVersion, strconv.Itoa(c.appVersion), ""}
	for i, want := range header {
		line, err := r.ReadString('\n')
		if err != nil {
			return false, fmt.Errorf("%w: header truncated", errBadJournal)
		}
		if got := strings.TrimSuffix(line, "\n"); got != want {
			return false, fmt.Errorf("%w: header line %d is %q, want %q", errBadJournal, i+1, got, want)
		}
	}

	records := 0
	for {
		line, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			torn = line != ""
			break
		}
		if err != nil {
			return false, err
		}
		if err := c.replay(strings.TrimSuffix(line, "\n")); err != nil {
			return false, err
		}
		records++
	}
	c.redundantOps = records - c.entries.Len()
	return torn, nil
}

func (c *Cache) replay(line string) error {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return fmt.Errorf("%w: %q", errBadJournal, line)
	}
	op, key := fields[0], fields[1]
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: bad key in %q", errBadJournal, line)
	}

	switch {
	case op == opClean && len(fields) == 4:
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || size < 0 {
			return fmt.Errorf("%w: bad size in %q", errBadJournal, line)
		}
		seq, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil || seq < 0 {
			return fmt.Errorf("%w: bad sequence in %q", errBadJournal, line)
		}
		e := c.replayEntry(key)
		e.readable = true
		e.editor = nil
		e.size = size
		e.seq = seq
		c.nextSeq = max(c.nextSeq, seq+1)
	case op == opDirty && len(fields) == 2:
		c.replayEntry(key).editor = replayEditor
	case op == opRemove && len(fields) == 2:
		c.entries.Remove(key)
	case op == opRead && len(fields) == 2:
		c.entries.Get(key)
	default:
		return fmt.Errorf("%w: %q", errBadJournal, line)
	}
	return nil
}

func (c *Cache) replayEntry(key string) *entry {
	e, ok := c.entries.Get(key)
	if !ok {
		e = &entry{key: key}
		c.entries.Add(key, e)
	}
	return e
}

// rebuildJournal writes a compact journal holding one record per entry, in
// access order, and swaps it in atomically.
func (c *Cache) rebuildJournal() error {
	if c.journal != nil {
		_ = c.jw.Flush()
		_ = c.journal.Close()
		c.journal = nil
		c.jw = nil
	}

	tmpPath := filepath.Join(c.dir, journalTmpName)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultFilePerm)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%s\n%s\n%d\n\n", journalMagic, journalVersion, c.appVersion)
	for _, key := range c.entries.Keys() {
		e, _ := c.entries.Peek(key)
		if e.editor != nil {
			fmt.Fprintf(w, "%s %s\n", opDirty, key)
			continue
		}
		fmt.Fprintf(w, "%s %s %d %d\n", opClean, key, e.size, e.seq)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	journal := filepath.Join(c.dir, journalName)
	backup := filepath.Join(c.dir, journalBackupName)
	if _, err := os.Stat(journal); err == nil {
		if err := os.Rename(journal, backup); err != nil {
			return err
		}
	}
	if err := os.Rename(tmpPath, journal); err != nil {
		return err
	}
	_ = os.Remove(backup)

	c.redundantOps = 0
	return c.openJournalAppend()
}

func (c *Cache) openJournalAppend() error {
	f, err := os.OpenFile(filepath.Join(c.dir, journalName), os.O_APPEND|os.O_WRONLY, defaultFilePerm)
	if err != nil {
		return err
	}
	c.journal = f
	c.jw = bufio.NewWriter(f)
	return nil
}

// appendRecord writes one journal record. Called with c.mu held.
func (c *Cache) appendRecord(line string) error {
	if _, err := c.jw.WriteString(line + "\n"); err != nil {
		return err
	}
	return c.jw.Flush()
}

// maybeCompact rewrites the journal once redundant records dominate it.
// Called with c.mu held.
func (c *Cache) maybeCompact() {
	if c.redundantOps < compactThreshold || c.redundantOps < c.entries.Len() {
		return
	}
	if err := c.rebuildJournal(); err != nil {
		c.log().Warn("disk cache journal compaction failed", "dir", c.dir, "error", err)
		return
	}
	c.log().Debug("disk cache journal compacted", "dir", c.dir, "entries", c.entries.Len())
}

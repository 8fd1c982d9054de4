package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/autorespond/consts"
	"github.com/migadu/autorespond/logger"
)

// maxCreateAttempts bounds retries when an entry name is already taken.
const maxCreateAttempts = 100

// DirStore keeps one file per message in a flat directory. Entry names are
// A<pid>.<unix time>.<random> and the file holds the sender address.
type DirStore struct {
	dir   string
	pid   int
	nonce func() uint32
}

// NewDirStore returns a store rooted at dir. The directory must exist.
func NewDirStore(dir string) *DirStore {
	return &DirStore{
		dir:   dir,
		pid:   os.Getpid(),
		nonce: func() uint32 { return uuid.New().ID() },
	}
}

func (s *DirStore) Name() string {
	return "dir"
}

func (s *DirStore) RecordAndCount(ctx context.Context, sender string, now time.Time, window time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, err := s.record(sender, now); err != nil {
		return 0, err
	}
	return s.count(ctx, sender, now, window)
}

// record writes a new entry and returns its name.
func (s *DirStore) record(sender string, now time.Time) (string, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		name := fmt.Sprintf("A%d.%d.%d", s.pid, now.Unix(), s.nonce())
		path := filepath.Join(s.dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return "", fmt.Errorf("%w: %v", consts.ErrLogEntryCreate, err)
		}

		_, werr := f.WriteString(sender)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(path)
			if werr == nil {
				werr = cerr
			}
			return "", fmt.Errorf("%w: writing %s: %v", consts.ErrLogEntryCreate, name, werr)
		}
		return name, nil
	}
	return "", fmt.Errorf("%w: no free name after %d attempts", consts.ErrLogEntryCreate, maxCreateAttempts)
}

// count scans the directory, deleting stale entries on the way.
func (s *DirStore) count(ctx context.Context, sender string, now time.Time, window time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrLogDirRead, err)
	}

	cutoff := now.Unix() - int64(window/time.Second)
	count := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		name := e.Name()
		ts, ok := entryTimestamp(name)
		if !ok {
			continue
		}
		path := filepath.Join(s.dir, name)

		if ts < cutoff {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logger.DebugContext(ctx, "AUTORESPOND: could not remove stale log entry", "entry", name, "error", err)
			}
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if strings.EqualFold(string(data), sender) {
			count++
		}
	}
	return count, nil
}

// entryTimestamp extracts the unix time from an entry name. Names that do
// not start with "A" or lack a "." are not ours. A missing or malformed
// number reads as zero, so such entries are treated as stale.
func entryTimestamp(name string) (int64, bool) {
	if !strings.HasPrefix(name, "A") {
		return 0, false
	}
	dot := strings.IndexByte(name, '.')
	if dot < 0 {
		return 0, false
	}

	var ts int64
	for _, c := range name[dot+1:] {
		if c < '0' || c > '9' {
			break
		}
		ts = ts*10 + int64(c-'0')
	}
	return ts, true
}

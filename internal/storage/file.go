package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "remindbot/pkg/logx"
)

const dedupCompactEvery = 500

// fileStore keeps everything in memory and mirrors it to disk.
//
// Files:
//   - <path>                         mapping document {"<identity>": "<account>"}
//   - <prefix>.dedup.snapshot.json   periodic dedup snapshot
//   - <prefix>.dedup.journal.jsonl   append-only dedup journal
//
// The mapping is rewritten in full (temp file + rename) on every Set.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	path    string
	mapping map[int64]string

	dedupSnapshotPath string
	dedupJournal      *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./chat_ids.json"
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	mapping, err := loadMapping(path)
	if err != nil {
		log.Error("StoreCorrupt: chat mapping unreadable, starting empty", logx.String("path", path), logx.Err(err))
		// Bad content is moved aside before the next rewrite; a path that
		// cannot be read at all is left as it is.
		if !errors.Is(err, errUnreadable) {
			aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
			if rerr := os.Rename(path, aside); rerr != nil {
				log.Warn("failed to preserve corrupt mapping", logx.String("path", path), logx.Err(rerr))
			} else {
				log.Warn("corrupt mapping preserved", logx.String("copy", aside))
			}
		}
		mapping = map[int64]string{}
	}

	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"
	dedup := map[string]int64{}
	_ = loadDedupSnapshot(snapPath, dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	log.Debug("file store opened", logx.String("path", path), logx.Int("links", len(mapping)))
	return &fileStore{
		log:               log,
		path:              path,
		mapping:           mapping,
		dedupSnapshotPath: snapPath,
		dedupJournal:      jf,
		dedup:             dedup,
	}, nil
}

var errUnreadable = errors.New("read failed")

// loadMapping reads the mapping document. A missing or blank file is an
// empty mapping. A legacy list of chat ids maps every id to "".
func loadMapping(path string) (map[int64]string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[int64]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrCorrupt, errUnreadable, err)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return map[int64]string{}, nil
	}

	out := map[int64]string{}
	if b[0] == '[' {
		var ids []int64
		if err := json.Unmarshal(b, &ids); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		for _, id := range ids {
			out[id] = ""
		}
		return out, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	for k, v := range raw {
		id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: identity %q: %v", ErrCorrupt, k, err)
		}
		acc, err := decodeAccount(v)
		if err != nil {
			return nil, fmt.Errorf("%w: identity %q: %v", ErrCorrupt, k, err)
		}
		out[id] = acc
	}
	return out, nil
}

// decodeAccount accepts both "42" and 42; older files stored numeric ids.
func decodeAccount(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func writeMapping(path string, m map[int64]string) error {
	doc := make(map[string]string, len(m))
	for k, v := range m {
		doc[strconv.FormatInt(k, 10)] = v
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) Get(_ context.Context, identity int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.mapping[identity]
	return v, ok, nil
}

func (s *fileStore) Set(_ context.Context, identity int64, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.mapping[identity]
	s.mapping[identity] = accountID
	if err := writeMapping(s.path, s.mapping); err != nil {
		if had {
			s.mapping[identity] = prev
		} else {
			delete(s.mapping, identity)
		}
		return err
	}
	return nil
}

func (s *fileStore) All(context.Context) (map[int64]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMapping(s.mapping), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournal == nil {
		return nil
	}
	err := s.dedupJournal.Close()
	s.dedupJournal = nil
	return err
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournal == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms
	if err := json.NewEncoder(s.dedupJournal).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%dedupCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup, time.Now())

	tmp := s.dedupSnapshotPath + ".tmp"
	b, err := json.Marshal(s.dedup)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournal.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournal.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	ms := now.UnixMilli()
	for k, v := range m {
		if v < ms {
			delete(m, k)
		}
	}
}

package eventbus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventLog is the bus's append-only persistence: one JSONL file per topic,
// one record per published event, owner-only permissions. It exists for
// replay; durability is best-effort by design and the bus never blocks
// delivery on it.
type EventLog struct {
	dir string
	mu  sync.Mutex
}

// NewEventLog creates an event log rooted at dir.
func NewEventLog(dir string) (*EventLog, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		dir = filepath.Join(home, ".agentcore", "events")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}
	return &EventLog{dir: dir}, nil
}

// sanitizeTopic maps a topic to a safe filename component.
func sanitizeTopic(topic string) string {
	var b strings.Builder
	for _, r := range topic {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func (l *EventLog) topicPath(topic string) string {
	return filepath.Join(l.dir, sanitizeTopic(topic)+".jsonl")
}

// Append writes one event record to its topic file.
func (l *EventLog) Append(evt *Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(l.topicPath(evt.Topic), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - topic sanitized to a safe filename
	if err != nil {
		return fmt.Errorf("open topic log: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LoadFilter narrows which persisted events Load returns.
type LoadFilter struct {
	// Topic matches event topics, trailing wildcard allowed. Empty matches all.
	Topic string
	// Since keeps events at or after this time.
	Since time.Time
	// Until keeps events at or before this time. Zero means no upper bound.
	Until time.Time
	// Priority keeps only events of this priority. Empty matches all.
	Priority Priority
	// SessionID keeps only events scoped to this session. Empty matches all.
	SessionID string
	// Limit caps the number of returned events. Zero means no cap.
	Limit int
}

func (f LoadFilter) matches(evt *Event) bool {
	if f.Topic != "" && !TopicMatches(f.Topic, evt.Topic) {
		return false
	}
	if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && evt.Timestamp.After(f.Until) {
		return false
	}
	if f.Priority != "" && evt.Priority != f.Priority {
		return false
	}
	if f.SessionID != "" && evt.SessionID != f.SessionID {
		return false
	}
	return true
}

// Load reads persisted events matching the filter, sorted by timestamp
// ascending so replay preserves per-topic publish order.
func (l *EventLog) Load(filter LoadFilter) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read event log directory: %w", err)
	}

	var events []*Event
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		loaded, err := l.loadFile(filepath.Join(l.dir, entry.Name()), filter)
		if err != nil {
			return nil, err
		}
		events = append(events, loaded...)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

// loadFile scans one topic file. Caller must hold the lock.
func (l *EventLog) loadFile(path string, filter LoadFilter) ([]*Event, error) {
	file, err := os.Open(path) // #nosec G304 - path from directory listing, not caller input
	if err != nil {
		return nil, fmt.Errorf("open topic log: %w", err)
	}
	defer func() { _ = file.Close() }()

	var events []*Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, fmt.Errorf("parse event record: %w", err)
		}
		if filter.matches(&evt) {
			events = append(events, &evt)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan topic log: %w", err)
	}
	return events, nil
}

// Prune rewrites every topic file, dropping records for which keep returns
// false. Files left empty are removed.
func (l *EventLog) Prune(keep func(*Event) bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read event log directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		kept, err := l.loadFile(path, LoadFilter{})
		if err != nil {
			return err
		}

		var buf []byte
		for _, evt := range kept {
			if !keep(evt) {
				continue
			}
			line, err := json.Marshal(evt)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			buf = append(buf, line...)
			buf = append(buf, '\n')
		}

		if len(buf) == 0 {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove topic log: %w", err)
			}
			continue
		}
		if err := os.WriteFile(path, buf, 0600); err != nil {
			return fmt.Errorf("rewrite topic log: %w", err)
		}
	}
	return nil
}

// PurgeOlderThan drops persisted events published before cutoff.
func (l *EventLog) PurgeOlderThan(cutoff time.Time) error {
	return l.Prune(func(evt *Event) bool {
		return !evt.Timestamp.Before(cutoff)
	})
}

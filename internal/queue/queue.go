// Package queue implements the durable on-disk job queue. Every job is one
// JSON file in the queue directory, named by a monotonically increasing
// sequence number so lexical order is arrival order. An entry is written and
// synced before Enqueue returns, and removed only after the consumer commits
// it, which gives at-least-once delivery across process restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/assetdiffbot/internal/job"
)

const entrySuffix = ".job"

// Entry is a dequeued job plus the handle needed to commit it.
type Entry struct {
	Job  *job.Envelope
	path string
	seq  uint64
}

// Queue is a single-consumer durable queue backed by a directory.
type Queue struct {
	dir string

	mu     sync.Mutex
	seq    uint64
	wakeup chan struct{}
}

// Open creates the queue directory if needed and recovers the sequence
// counter from any entries left behind by a previous process.
func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating queue directory: %w", err)
	}

	q := &Queue{
		dir:    dir,
		wakeup: make(chan struct{}, 1),
	}

	entries, err := q.pending()
	if err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		q.seq = entries[n-1].seq
		log.Info().Int("pending", n).Str("dir", dir).Msg("Recovered queued jobs from disk")
	}

	return q, nil
}

// Enqueue durably appends a job. The entry file is written to a temp name,
// synced, and renamed into place so a crash never leaves a half-written
// entry visible to the consumer.
func (q *Queue) Enqueue(env *job.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("serializing job %s: %w", env.ID, err)
	}

	q.mu.Lock()
	q.seq++
	seq := q.seq
	q.mu.Unlock()

	name := fmt.Sprintf("%020d%s", seq, entrySuffix)
	tmp := filepath.Join(q.dir, name+".tmp")
	final := filepath.Join(q.dir, name)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating queue entry: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing queue entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing queue entry: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing queue entry: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing queue entry: %w", err)
	}
	if err := syncDir(q.dir); err != nil {
		return fmt.Errorf("syncing queue directory: %w", err)
	}

	log.Debug().Str("job_id", env.ID).Str("kind", string(env.Kind)).Uint64("seq", seq).Msg("Job enqueued")

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until an entry is available or the context is cancelled.
// Entries are delivered oldest-first. The same entry is redelivered after a
// restart if it was never committed.
func (q *Queue) Next(ctx context.Context) (*Entry, error) {
	for {
		entries, err := q.pending()
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			e := entries[0]
			env, err := readEnvelope(e.path)
			if err != nil {
				// A corrupt entry would wedge the whole queue; move it
				// aside and keep going.
				log.Error().Err(err).Str("entry", e.path).Msg("Dropping corrupt queue entry")
				os.Rename(e.path, e.path+".corrupt")
				continue
			}
			e.Job = env
			return e, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wakeup:
		case <-time.After(time.Second):
			// Poll fallback covers entries written by another process.
		}
	}
}

// Commit removes a processed entry from the queue. Called after the pipeline
// returns, whether it succeeded or failed terminally.
func (q *Queue) Commit(e *Entry) error {
	if err := os.Remove(e.path); err != nil {
		return fmt.Errorf("removing queue entry %s: %w", e.path, err)
	}
	return syncDir(q.dir)
}

// Len reports how many entries are waiting on disk.
func (q *Queue) Len() (int, error) {
	entries, err := q.pending()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (q *Queue) pending() ([]*Entry, error) {
	names, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("listing queue directory: %w", err)
	}

	var entries []*Entry
	for _, de := range names {
		name := de.Name()
		if !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, entrySuffix), 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, &Entry{
			path: filepath.Join(q.dir, name),
			seq:  seq,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries, nil
}

func readEnvelope(path string) (*job.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading queue entry: %w", err)
	}
	var env job.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding queue entry: %w", err)
	}
	return &env, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

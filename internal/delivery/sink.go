package delivery

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetterSink persists dead letters outside the process.
type DeadLetterSink interface {
	Write(ctx context.Context, dl DeadLetter) error
}

// RedriveRecorder is implemented by sinks that track redriven dead letters.
type RedriveRecorder interface {
	Redriven(ctx context.Context, dl DeadLetter) error
}

// RedisPipelineClient is the minimal client surface used by RedisDeadLetterSink.
type RedisPipelineClient interface {
	Pipeline() RedisPipeliner
}

// RedisPipeliner is the subset of commands used within a pipeline.
type RedisPipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// RedisDeadLetterSink keeps each dead letter in a hash that expires with the retention
// and appends it to a capped stream for inspection.
type RedisDeadLetterSink struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// NewRedisDeadLetterSink constructs a Redis-backed sink.
func NewRedisDeadLetterSink(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisDeadLetterSink {
	if stream == "" {
		stream = "dead_letters"
	}
	return &RedisDeadLetterSink{
		client:    client,
		stream:    stream,
		keyPrefix: "deadletter:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

func (r *RedisDeadLetterSink) Write(ctx context.Context, dl DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := r.keyPrefix + dl.Channel + ":" + dl.ID
	values := map[string]any{
		"id":               dl.ID,
		"channel":          dl.Channel,
		"source":           dl.Source,
		"type":             dl.Type,
		"detail":           string(dl.Detail),
		"receive_count":    dl.ReceiveCount,
		"reason":           dl.Reason,
		"dead_lettered_at": dl.DeadLetteredAt.UTC().Format(time.RFC3339Nano),
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, values)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}

	args := &redis.XAddArgs{Stream: r.stream, Values: values}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err := pipe.Exec(ctx)
	return err
}

// FileJournal appends dead-letter and redrive records to a file, one JSON document per line.
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

const (
	journalDead    = "dead"
	journalRedrive = "redrive"
)

type journalRecord struct {
	Op string `json:"op"`
	DeadLetter
}

// NewFileJournal opens or creates the journal at path.
func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Write(ctx context.Context, dl DeadLetter) error {
	return j.append(ctx, journalRecord{Op: journalDead, DeadLetter: dl})
}

// Redriven records that dl left the dead-letter queue.
func (j *FileJournal) Redriven(ctx context.Context, dl DeadLetter) error {
	return j.append(ctx, journalRecord{Op: journalRedrive, DeadLetter: dl})
}

func (j *FileJournal) append(ctx context.Context, rec journalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	n, err := j.f.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	if n != len(data)+1 {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}
	return j.f.Sync()
}

// Replay returns the dead letters that were journaled and not redriven since, oldest first.
func (j *FileJournal) Replay() (out []DeadLetter, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.f.Name())
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("journal %s: %w", j.f.Name(), err)
		}
		switch rec.Op {
		case journalDead:
			out = append(out, rec.DeadLetter)
		case journalRedrive:
			out = slices.DeleteFunc(out, func(dl DeadLetter) bool {
				return dl.Channel == rec.Channel && dl.ID == rec.ID
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying file handle.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// MultiSink writes to several sinks in order.
type MultiSink struct {
	sinks []DeadLetterSink
}

// NewMultiSink constructs a sink that writes to each sink in sequence.
func NewMultiSink(sinks ...DeadLetterSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Write collects errors so every sink gets a chance to persist the dead letter.
func (m *MultiSink) Write(ctx context.Context, dl DeadLetter) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Write(ctx, dl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Redriven forwards to every sink that tracks redrives.
func (m *MultiSink) Redriven(ctx context.Context, dl DeadLetter) error {
	var errs []error
	for _, sink := range m.sinks {
		if rec, ok := sink.(RedriveRecorder); ok {
			if err := rec.Redriven(ctx, dl); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

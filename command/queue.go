package command

import (
	"bufio"
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/gvsrusa/sevak-roocode-sub001/internal/fsutil"
)

// queuedCommand is the JSONL record format for the client-side offline
// queue: a command captured while the channel was unreachable, replayed
// once connectivity returns.
type queuedCommand struct {
	Envelope  Envelope
	QueuedAt  time.Time
}

// OfflineQueue persists non-critical commands issued while disconnected
// from the command channel, to an append-only JSONL file. Critical
// commands (emergency_stop, firmware_update, reset, calibrate) are never
// queued: a stale critical command replayed after reconnection could be
// actively dangerous, so callers must fail those immediately instead.
type OfflineQueue struct {
	fs   fsutil.FileSystem
	path string
	ttl  time.Duration
}

// NewOfflineQueue builds a queue backed by fs, persisting to path.
func NewOfflineQueue(fs fsutil.FileSystem, path string, ttl time.Duration) *OfflineQueue {
	return &OfflineQueue{fs: fs, path: path, ttl: ttl}
}

// Enqueue appends e to the offline queue. It returns an error if e is a
// critical command, per the never-queue-critical-commands policy.
func (q *OfflineQueue) Enqueue(e Envelope, now time.Time) error {
	if e.Type.IsCritical() {
		return errors.Errorf("refusing to queue critical command %q while offline", e.Type)
	}
	record := queuedCommand{Envelope: e, QueuedAt: now}
	line, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "marshal queued command")
	}
	line = append(line, '\n')
	return q.fs.AppendFile(q.path, line, 0644)
}

// Drain reads every still-fresh queued command (QueuedAt within ttl of
// now), drops the rest, and truncates the backing file to empty. Callers
// are expected to replay the returned envelopes against the channel.
func (q *OfflineQueue) Drain(now time.Time) ([]Envelope, error) {
	if !q.fs.Exists(q.path) {
		return nil, nil
	}
	data, err := q.fs.ReadFile(q.path)
	if err != nil {
		return nil, errors.Wrap(err, "read offline queue")
	}

	var fresh []Envelope
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var record queuedCommand
		if err := json.Unmarshal(line, &record); err != nil {
			continue // a corrupt line is dropped, not fatal to the rest of the queue
		}
		if now.Sub(record.QueuedAt) <= q.ttl {
			fresh = append(fresh, record.Envelope)
		}
	}

	if err := q.fs.WriteFile(q.path, nil, 0644); err != nil {
		return fresh, errors.Wrap(err, "truncate offline queue")
	}
	return fresh, nil
}

// Len reports how many lines (fresh or stale) are currently persisted.
func (q *OfflineQueue) Len() (int, error) {
	if !q.fs.Exists(q.path) {
		return 0, nil
	}
	data, err := q.fs.ReadFile(q.path)
	if err != nil {
		return 0, err
	}
	count := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			count++
		}
	}
	return count, nil
}

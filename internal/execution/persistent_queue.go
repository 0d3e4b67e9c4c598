package execution

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	walEnqueue  = "ENQUEUE"
	walComplete = "COMPLETE"
)

// PersistentQueue wraps Queue with a write-ahead log so requests accepted
// before a crash are replayed on restart.
type PersistentQueue struct {
	*Queue
	walPath string
	walFile *os.File
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]bool
	closed  bool

	written   atomic.Uint64
	recovered atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// WALMetrics tracks persistence statistics.
type WALMetrics struct {
	Written   uint64 `json:"written"`
	Recovered uint64 `json:"recovered"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type walEntry struct {
	Action    string           `json:"action"`
	Request   ExecutionRequest `json:"request"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewPersistentQueue opens (or creates) walDir/execution_queue.wal.
func NewPersistentQueue(walDir string, size int, log zerolog.Logger) (*PersistentQueue, error) {
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}
	walPath := filepath.Join(walDir, "execution_queue.wal")
	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}
	return &PersistentQueue{
		Queue:   NewQueue(size),
		walPath: walPath,
		walFile: file,
		log:     log.With().Str("component", "wal").Logger(),
		pending: make(map[string]bool),
	}, nil
}

// Recover re-enqueues requests that were accepted but never completed, in
// their original order, then compacts the log. Call before the processor starts.
func (pq *PersistentQueue) Recover() error {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	file, err := os.Open(pq.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open WAL for recovery: %w", err)
	}
	defer file.Close()

	var order []string
	enqueued := make(map[string]ExecutionRequest)
	completed := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			pq.log.Warn().Err(err).Msg("skipping unreadable WAL line")
			continue
		}
		id := entry.Request.RequestID
		switch entry.Action {
		case walEnqueue:
			if _, seen := enqueued[id]; !seen {
				order = append(order, id)
			}
			enqueued[id] = entry.Request
		case walComplete:
			completed[id] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("WAL scan error: %w", err)
	}

	var keep []ExecutionRequest
	for _, id := range order {
		if completed[id] {
			continue
		}
		req := enqueued[id]
		if !pq.Queue.Enqueue(req) {
			pq.log.Error().Str("request_id", id).Msg("queue full during recovery; request left in WAL")
		}
		pq.pending[id] = true
		keep = append(keep, req)
	}

	pq.recovered.Add(uint64(len(keep)))
	if len(keep) > 0 {
		pq.log.Info().Int("count", len(keep)).Msg("recovered pending execution requests")
	}

	if len(keep) > 0 || len(completed) > 0 {
		if err := pq.compactLocked(keep); err != nil {
			pq.log.Warn().Err(err).Msg("WAL compaction failed")
		}
	}
	return nil
}

// compactLocked rewrites the log with only the given pending requests.
func (pq *PersistentQueue) compactLocked(keep []ExecutionRequest) error {
	tempPath := pq.walPath + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(tempFile)
	for _, req := range keep {
		if err := encoder.Encode(walEntry{Action: walEnqueue, Request: req, Timestamp: req.EnqueuedAt}); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return err
		}
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}
	tempFile.Close()

	pq.walFile.Close()
	if err := os.Rename(tempPath, pq.walPath); err != nil {
		return err
	}
	pq.walFile, err = os.OpenFile(pq.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	pq.log.Debug().Int("pending", len(keep)).Msg("WAL compacted")
	return nil
}

func (pq *PersistentQueue) appendLocked(entry walEntry, sync bool) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := pq.walFile.Write(append(data, '\n')); err != nil {
		return err
	}
	if sync {
		return pq.walFile.Sync()
	}
	return nil
}

// Enqueue writes the request to the log, syncs, then queues it in memory.
func (pq *PersistentQueue) Enqueue(req ExecutionRequest) bool {
	pq.mu.Lock()
	if pq.closed {
		pq.mu.Unlock()
		return false
	}
	if pq.Queue.Len() >= cap(pq.Queue.ch) {
		pq.mu.Unlock()
		pq.Queue.rejected.Add(1)
		return false
	}
	if err := pq.appendLocked(walEntry{Action: walEnqueue, Request: req, Timestamp: time.Now()}, true); err != nil {
		pq.mu.Unlock()
		pq.failed.Add(1)
		pq.log.Error().Err(err).Str("request_id", req.RequestID).Msg("WAL write failed")
		return false
	}
	pq.pending[req.RequestID] = true
	pq.written.Add(1)
	pq.mu.Unlock()

	return pq.Queue.Enqueue(req)
}

// Complete records that requestID finished. It is not synced; a crash in
// between replays the request, which the dedup option can absorb.
func (pq *PersistentQueue) Complete(requestID string) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.closed || !pq.pending[requestID] {
		return
	}
	entry := walEntry{Action: walComplete, Request: ExecutionRequest{RequestID: requestID}, Timestamp: time.Now()}
	if err := pq.appendLocked(entry, false); err != nil {
		pq.failed.Add(1)
		pq.log.Error().Err(err).Str("request_id", requestID).Msg("WAL complete write failed")
		return
	}
	delete(pq.pending, requestID)
	pq.completed.Add(1)
}

func (pq *PersistentQueue) WALMetrics() WALMetrics {
	return WALMetrics{
		Written:   pq.written.Load(),
		Recovered: pq.recovered.Load(),
		Completed: pq.completed.Load(),
		Failed:    pq.failed.Load(),
	}
}

// Close stops intake and closes the log file.
func (pq *PersistentQueue) Close() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.closed {
		return
	}
	pq.closed = true
	pq.Queue.Close()
	if pq.walFile != nil {
		pq.walFile.Sync()
		pq.walFile.Close()
	}
	pq.log.Info().
		Uint64("written", pq.written.Load()).
		Uint64("completed", pq.completed.Load()).
		Msg("persistent queue closed")
}

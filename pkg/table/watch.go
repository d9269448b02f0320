package table

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// DefaultWatchBuffer is the default batch buffer size for watchers.
const DefaultWatchBuffer = 256

// sendTimeout bounds how long a slow watcher can block batch delivery.
const sendTimeout = time.Second

// Watcher is a read-only changelog stream on a table. Batches are delivered
// in application order; delivery is buffered and never blocks the store for
// longer than the send timeout.
type Watcher struct {
	batchChan chan *Batch
	mutex     sync.Mutex
	stopped   bool
	log       logr.Logger
}

func newWatcher(buffer int, log logr.Logger) *Watcher {
	return &Watcher{
		batchChan: make(chan *Batch, buffer),
		log:       log,
	}
}

// ResultChan returns the batch channel of the watcher. The channel is closed
// when the watcher stops.
func (w *Watcher) ResultChan() <-chan *Batch { return w.batchChan }

// Stop stops the watcher. Stop is idempotent.
func (w *Watcher) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.stopped {
		w.stopped = true
		close(w.batchChan)
	}
}

// send delivers a batch on the batch channel.
func (w *Watcher) send(batch *Batch) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.stopped {
		return
	}

	w.log.V(8).Info("watcher sending batch", "table", batch.Table, "version", batch.Version)

	select {
	case w.batchChan <- batch:
	case <-time.After(sendTimeout):
		// If we can't send the batch in time, log and continue.
		w.log.Info("failed to send batch, channel might be full", "table", batch.Table,
			"version", batch.Version)
	}
}

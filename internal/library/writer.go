package library

import (
	"context"
	"log/slog"
	"sync"

	"github.com/renja-g/CrateSync/internal/store"
)

type recordKey struct {
	id       int64
	provider string
}

// metadataWriter moves metadata records from the enrichment dispatcher to the
// store. put never blocks: records wait in a map keyed by release and
// provider, and a newer record for the same key replaces the older one.
type metadataWriter struct {
	store store.Store
	log   *slog.Logger

	mu      sync.Mutex
	pending map[recordKey]store.MetadataRecord
	order   []recordKey
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newMetadataWriter(st store.Store, logger *slog.Logger) *metadataWriter {
	w := &metadataWriter{
		store:   st,
		log:     logger,
		pending: make(map[recordKey]store.MetadataRecord),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *metadataWriter) put(rec store.MetadataRecord) {
	k := recordKey{id: rec.ReleaseID, provider: rec.Provider}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.log.Warn("metadata_write_dropped", "item", rec.ReleaseID, "provider", rec.Provider)
		return
	}
	if _, ok := w.pending[k]; !ok {
		w.order = append(w.order, k)
	}
	w.pending[k] = rec
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// backlog reports records not yet handed to the store.
func (w *metadataWriter) backlog() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

func (w *metadataWriter) next() (store.MetadataRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.order) == 0 {
		return store.MetadataRecord{}, false
	}
	k := w.order[0]
	w.order = w.order[1:]
	rec := w.pending[k]
	delete(w.pending, k)
	return rec, true
}

func (w *metadataWriter) run() {
	defer close(w.done)
	for {
		for {
			rec, ok := w.next()
			if !ok {
				break
			}
			w.write(rec)
		}

		w.mu.Lock()
		stop := w.closed && len(w.order) == 0
		w.mu.Unlock()
		if stop {
			return
		}
		<-w.wake
	}
}

func (w *metadataWriter) write(rec store.MetadataRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := w.store.PutMetadata(ctx, rec); err != nil {
		w.log.Error("metadata_write_failed", "item", rec.ReleaseID, "provider", rec.Provider, "error", err)
	}
}

// close flushes the backlog and waits for the writer to exit.
func (w *metadataWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.done
}

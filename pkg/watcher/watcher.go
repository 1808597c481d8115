package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/mqic/communicator/pkg/events"
	"github.com/mqic/communicator/pkg/log"
	"github.com/mqic/communicator/pkg/storage"
	"github.com/mqic/communicator/pkg/types"
)

// Config controls the case watcher
type Config struct {
	WatchPath        string
	QuiescencePeriod time.Duration
	ScanInterval     time.Duration
	DefaultPriority  types.Priority
}

// Watcher monitors the watch path and registers settled case directories
type Watcher struct {
	cfg    Config
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	doneCh chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a case watcher
func New(cfg Config, store storage.Store, broker *events.Broker) *Watcher {
	if cfg.QuiescencePeriod <= 0 {
		cfg.QuiescencePeriod = 5 * time.Second
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = types.PriorityNormal
	}
	return &Watcher{
		cfg:    cfg,
		store:  store,
		broker: broker,
		logger: log.WithComponent("watcher"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		timers: make(map[string]*time.Timer),
	}
}

// Start begins watching. The initial scan runs before event processing so
// directories that arrived while the process was down are not missed.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.cfg.WatchPath); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw

	w.scan()
	go w.run()

	w.logger.Info().
		Str("path", w.cfg.WatchPath).
		Dur("quiescence", w.cfg.QuiescencePeriod).
		Msg("case watcher started")
	return nil
}

// Stop stops the watcher and cancels pending registrations
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	defer w.fsw.Close()

	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watch error")
		case <-ticker.C:
			w.scan()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	caseDir := w.caseDirOf(ev.Name)
	if caseDir == "" {
		return
	}

	if ev.Op.Has(fsnotify.Create) && ev.Name == caseDir {
		info, err := os.Stat(caseDir)
		if err != nil || !info.IsDir() {
			return
		}
		// Watch inside the new directory so the copy keeps resetting the
		// settle timer.
		if err := w.fsw.Add(caseDir); err != nil {
			w.logger.Debug().Err(err).Str("path", caseDir).Msg("cannot watch case dir")
		}
	}

	w.touch(caseDir)
}

// caseDirOf maps an event path to the top-level case directory it belongs to
func (w *Watcher) caseDirOf(name string) string {
	rel, err := filepath.Rel(w.cfg.WatchPath, name)
	if err != nil || rel == "." || rel == ".." {
		return ""
	}
	first := rel
	if idx := firstSeparator(rel); idx >= 0 {
		first = rel[:idx]
	}
	if first == "" || first == "." || first == ".." {
		return ""
	}
	return filepath.Join(w.cfg.WatchPath, first)
}

func firstSeparator(path string) int {
	for i := 0; i < len(path); i++ {
		if os.IsPathSeparator(path[i]) {
			return i
		}
	}
	return -1
}

// touch schedules registration after the quiescence period, pushing back
// any pending timer for the same path
func (w *Watcher) touch(caseDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[caseDir]; ok {
		timer.Reset(w.cfg.QuiescencePeriod)
		return
	}
	w.timers[caseDir] = time.AfterFunc(w.cfg.QuiescencePeriod, func() {
		w.mu.Lock()
		delete(w.timers, caseDir)
		w.mu.Unlock()

		w.fsw.Remove(caseDir)
		w.register(caseDir)
	})
}

// scan registers pre-existing directories that have already settled
func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.cfg.WatchPath)
	if err != nil {
		w.logger.Warn().Err(err).Msg("scan failed")
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		caseDir := filepath.Join(w.cfg.WatchPath, entry.Name())
		if _, err := w.store.GetCaseByPath(caseDir); err == nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < w.cfg.QuiescencePeriod {
			w.touch(caseDir)
			continue
		}
		w.register(caseDir)
	}
}

func (w *Watcher) register(caseDir string) {
	info, err := os.Stat(caseDir)
	if err != nil || !info.IsDir() {
		return
	}

	c, err := w.store.AddCase(caseDir, w.cfg.DefaultPriority)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicatePath) {
			return
		}
		w.logger.Error().Err(err).Str("path", caseDir).Msg("case registration failed")
		return
	}

	w.logger.Info().
		Int64("case_id", c.ID).
		Str("path", caseDir).
		Str("priority", c.Priority.String()).
		Msg("case registered")

	if w.broker != nil {
		w.broker.Publish(&events.Event{
			Type:    events.EventCaseRegistered,
			Message: "case registered: " + c.Name(),
			Metadata: map[string]string{
				"case_id": strconv.FormatInt(c.ID, 10),
				"path":    caseDir,
			},
		})
	}
}

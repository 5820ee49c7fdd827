// Package inbox watches a drop directory for transcript files and segments
// each one as it arrives.
//
// A file is picked up once it has not changed for the settle period. After
// segmentation the transcript is moved to the done directory next to a
// <name>.clips.json file holding the result. When segmentation fails the
// transcript is moved anyway and <name>.error holds the message, so a bad
// file is never retried in a loop.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MrWong99/cliptile/internal/app"
	"github.com/MrWong99/cliptile/internal/config"
	"github.com/MrWong99/cliptile/pkg/transcript"
)

const (
	defaultSettle        = 2 * time.Second
	defaultMaxConcurrent = 2
)

// Segmenter runs one segmentation. *app.App satisfies it.
type Segmenter interface {
	Segment(ctx context.Context, source string, tr *transcript.Transcript, opts ...app.RunOption) (*app.Result, error)
}

// ProcessedFunc is called after each file was handled. res is nil when err
// is set.
type ProcessedFunc func(path string, res *app.Result, err error)

// Option configures a [Watcher].
type Option func(*Watcher)

// WithMaxConcurrent bounds how many files are segmented at once.
func WithMaxConcurrent(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.sem = make(chan struct{}, n)
		}
	}
}

// WithProcessedFunc registers fn to be called after each file.
func WithProcessedFunc(fn ProcessedFunc) Option {
	return func(w *Watcher) { w.onProcessed = fn }
}

// Watcher segments transcripts dropped into a directory.
type Watcher struct {
	dir         string
	doneDir     string
	settle      time.Duration
	seg         Segmenter
	fsw         *fsnotify.Watcher
	sem         chan struct{}
	onProcessed ProcessedFunc

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
	wg      sync.WaitGroup
}

// New creates the inbox and done directories if needed and starts watching
// cfg.Dir. Call [Watcher.Run] to process files.
func New(cfg config.InboxConfig, seg Segmenter, opts ...Option) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("inbox: dir is required")
	}
	w := &Watcher{
		dir:     cfg.Dir,
		doneDir: cfg.DoneDir,
		settle:  cfg.Settle,
		seg:     seg,
		sem:     make(chan struct{}, defaultMaxConcurrent),
		pending: make(map[string]*time.Timer),
	}
	if w.doneDir == "" {
		w.doneDir = filepath.Join(cfg.Dir, "done")
	}
	if w.settle == 0 {
		w.settle = defaultSettle
	}
	for _, o := range opts {
		o(w)
	}

	for _, d := range []string{w.dir, w.doneDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("inbox: create %s: %w", d, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("inbox: create watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("inbox: watch %s: %w", w.dir, err)
	}
	w.fsw = fsw
	return w, nil
}

// Run processes files already in the inbox, then handles new ones until ctx
// is cancelled. In-flight segmentations are cancelled and waited for before
// Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.shutdown()

	slog.Info("inbox watching", "dir", w.dir, "done_dir", w.doneDir, "settle", w.settle)
	if err := w.backlog(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("inbox: watcher events channel closed")
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isTranscript(ev.Name) {
				slog.Debug("inbox ignoring file", "path", ev.Name)
				continue
			}
			w.schedule(ctx, ev.Name)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("inbox: watcher errors channel closed")
			}
			slog.Warn("inbox watcher error", "err", err)
		}
	}
}

// backlog dispatches transcripts that were dropped while nothing watched.
func (w *Watcher) backlog(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("inbox: read %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && isTranscript(e.Name()) {
			w.dispatch(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
	return nil
}

// schedule (re)arms the settle timer for path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.dispatch(ctx, path)
	})
}

func (w *Watcher) dispatch(ctx context.Context, path string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-w.sem }()
		w.process(ctx, path)
	}()
}

func (w *Watcher) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return
	}
	log := slog.With("path", path)
	log.Info("inbox segmenting")

	res, err := w.segment(ctx, path)
	if ctx.Err() != nil {
		log.Info("inbox segmentation interrupted; file left in place")
		return
	}

	name := filepath.Base(path)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if err != nil {
		log.Warn("inbox segmentation failed", "err", err)
		if werr := writeFileAtomic(filepath.Join(w.doneDir, stem+".error"), []byte(err.Error()+"\n")); werr != nil {
			log.Error("inbox write error file", "err", werr)
		}
	} else {
		data, merr := json.MarshalIndent(res, "", "  ")
		if merr == nil {
			merr = writeFileAtomic(filepath.Join(w.doneDir, stem+".clips.json"), data)
		}
		if merr != nil {
			log.Error("inbox write clips", "err", merr)
			err = merr
			res = nil
		} else {
			log.Info("inbox segmented", "clips", len(res.Clips), "run_id", res.RunID)
		}
	}

	if rerr := os.Rename(path, filepath.Join(w.doneDir, name)); rerr != nil {
		log.Error("inbox move to done dir", "err", rerr)
	}
	if w.onProcessed != nil {
		w.onProcessed(path, res, err)
	}
}

func (w *Watcher) segment(ctx context.Context, path string) (*app.Result, error) {
	tr, err := transcript.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return w.seg.Segment(ctx, filepath.Base(path), tr)
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.closed = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.wg.Wait()
	if err := w.fsw.Close(); err != nil {
		slog.Warn("inbox close watcher", "err", err)
	}
	slog.Info("inbox stopped", "dir", w.dir)
}

func isTranscript(path string) bool {
	_, err := transcript.FormatFromPath(path)
	return err == nil
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place so readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cliptile-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

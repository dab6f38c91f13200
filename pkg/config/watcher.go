package config

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
)

// Watcher reloads the override file whenever it changes and hands the
// result to apply. The parent directory is watched so that files replaced
// by rename are seen. A mounted ConfigMap never touches the file itself:
// the kubelet swaps the ..data symlink, so that event triggers a reload
// too.
type Watcher struct {
	path  string
	dir   string
	apply func(Overrides)
	w     *fsnotify.Watcher
}

// NewWatcher ...
func NewWatcher(path string, apply func(Overrides)) (*Watcher, error) {
	w := &Watcher{path: filepath.Clean(path), dir: filepath.Dir(path), apply: apply}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// configMapData is the symlink the kubelet renames over on every update.
const configMapData = "..data"

func (w *Watcher) open() error {
	if w.w != nil {
		w.w.Close()
		w.w = nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = fw.Add(w.dir); err != nil {
		fw.Close()
		return err
	}
	w.w = fw
	glog.Infof("watching %s for override changes", w.path)
	return nil
}

// Load applies the current file contents once.
func (w *Watcher) Load() error {
	o, err := LoadOverrides(w.path)
	if err != nil {
		return err
	}
	w.apply(o)
	return nil
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer func() {
		if w.w != nil {
			w.w.Close()
		}
	}()
	events := w.w.Events
	errs := w.w.Errors
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				glog.Error("override watcher event channel closed")
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.relevant(ev.Name) {
				continue
			}
			glog.Infof("override file changed: %s (op: %s)", ev.Name, ev.Op.String())
			if err := w.Load(); err != nil {
				glog.Errorf("reload overrides: %v", err)
			}
		case err, ok := <-errs:
			if !ok {
				glog.Warning("override watcher error channel closed, recreating watcher")
				if err := w.open(); err != nil {
					glog.Errorf("recreate override watcher: %v", err)
					errs = nil
					continue
				}
				events = w.w.Events
				errs = w.w.Errors
				continue
			}
			glog.Errorf("override watcher error: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) relevant(name string) bool {
	base := filepath.Base(name)
	if base == configMapData {
		return filepath.Dir(filepath.Clean(name)) == w.dir
	}
	if strings.HasPrefix(base, ".") {
		return false
	}
	return filepath.Clean(name) == w.path
}

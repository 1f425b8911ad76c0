package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/relaywire/gotun/core"
)

// Watcher holds the current CoreConfig snapshot and, when started, keeps it
// fresh by re-parsing the backing file on every fsnotify write event
// (§6 `-w/--watch`, §9 "hot reload design"). Readers call Current(); the
// hub swaps in whatever Current() returns for each newly accepted
// connection, so an in-flight relay is never affected by a reload.
type Watcher struct {
	path      string
	role      core.Role
	current   atomic.Value // holds *core.CoreConfig
	logger    core.Logger
	fsw       *fsnotify.Watcher
	done      chan struct{}
	overrides func(*core.CoreConfig)
}

// NewWatcher loads path once and returns a Watcher positioned at that
// snapshot. overrides, if non-nil, is applied to every snapshot this
// Watcher ever produces — the one loaded here and every one reload()
// loads later — so CLI-flag values survive a config-file edit instead of
// being silently dropped on the first reload. Call Start to begin
// watching for changes.
func NewWatcher(logger core.Logger, path string, role core.Role, overrides func(*core.CoreConfig)) (*Watcher, error) {
	cc, err := Load(path, role)
	if err != nil {
		return nil, err
	}
	if overrides != nil {
		overrides(cc)
		if err := cc.Validate(); err != nil {
			return nil, err
		}
	}
	w := &Watcher{path: path, role: role, logger: logger.Fork("config-watch"), overrides: overrides}
	w.current.Store(cc)
	return w, nil
}

// Current returns the most recently loaded valid CoreConfig.
func (w *Watcher) Current() *core.CoreConfig {
	return w.current.Load().(*core.CoreConfig)
}

// Start begins watching the config file for changes. A write that fails to
// parse or validate is logged and otherwise ignored — the previous
// snapshot stays in effect, so a typo in the file never takes a running
// hub down.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return core.WrapError(core.ErrKindConfigInvalid, err, "starting config watcher")
	}
	if err := fsw.Add(w.path); err != nil {
		fsw.Close()
		return core.WrapError(core.ErrKindConfigInvalid, err, "watching %s", w.path)
	}
	w.fsw = fsw
	w.done = make(chan struct{})
	go w.run()
	return nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WLogf("config watch error: %s", err)
		}
	}
}

func (w *Watcher) reload() {
	cc, err := Load(w.path, w.role)
	if err != nil {
		w.logger.ELogf("config reload failed, keeping previous config: %s", err)
		return
	}
	if w.overrides != nil {
		w.overrides(cc)
		if err := cc.Validate(); err != nil {
			w.logger.ELogf("config reload failed, keeping previous config: %s", err)
			return
		}
	}
	w.current.Store(cc)
	w.logger.ILogf("config reloaded")
}

// Stop stops watching and releases the fsnotify watcher.
func (w *Watcher) Stop() error {
	if w.fsw == nil {
		return nil
	}
	err := w.fsw.Close()
	<-w.done
	return err
}

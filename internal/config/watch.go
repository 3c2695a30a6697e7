package config

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher re-decodes the config file whenever it changes on disk and hands
// the validated result to every subscriber. Invalid edits are logged and
// skipped, leaving the previous config in force.
type Watcher struct {
	v   *viper.Viper
	log *slog.Logger

	mu   sync.Mutex
	subs []func(*Config)
}

// Watch starts watching the file behind v. v must have been created by New
// with a non-empty path.
func Watch(v *viper.Viper, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{v: v, log: log}
	v.OnConfigChange(w.reload)
	v.WatchConfig()
	return w
}

// OnChange registers fn for future reloads.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	w.mu.Unlock()
}

func (w *Watcher) reload(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	cfg, err := Decode(w.v)
	if err != nil {
		w.log.Error("config reload rejected", "file", e.Name, "error", err)
		return
	}
	w.log.Info("config reloaded", "file", e.Name)
	w.mu.Lock()
	subs := append([]func(*Config){}, w.subs...)
	w.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
}

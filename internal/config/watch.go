package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// debounce absorbs the write bursts editors produce when saving a file.
const debounce = 250 * time.Millisecond

// Watch reloads the config file on change and calls onChange with each
// valid new snapshot. Invalid intermediate states are logged and skipped;
// the previous config stays in force. The returned stop func is idempotent.
func Watch(path string, onChange func(Config)) (func() error, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files by rename,
	// which drops a watch held on the file itself.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	target := filepath.Clean(path)

	go func() {
		var timer *time.Timer
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					cfg, err := Load(path)
					if err != nil {
						log.Warnf("CONFIG: ignoring reload of %s: %v", path, err)
						return
					}
					log.Infof("CONFIG: reloaded %s", path)
					onChange(cfg)
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("CONFIG: watch error: %v", err)
			}
		}
	}()

	return w.Close, nil
}

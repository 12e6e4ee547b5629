package catls

import (
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/relayhq/mitmproxy/pkg/errors"
)

// Watcher reloads a Store's CA material whenever the backing key/cert files
// change on disk, so an operator can rotate the CA without restarting the
// process.
type Watcher struct {
	store           *Store
	keyPath         string
	certPath        string
	fsWatcher       *fsnotify.Watcher
	log             zerolog.Logger
	done            chan struct{}
}

// WatchCAFiles starts watching keyPath and certPath for changes, reloading
// store whenever either file is rewritten. The caller must call Close to
// stop the watcher.
func WatchCAFiles(store *Store, keyPath, certPath string, log zerolog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.New(errors.KindIO, "catls.watch", "creating fsnotify watcher", err)
	}
	if err := fsWatcher.Add(keyPath); err != nil {
		fsWatcher.Close()
		return nil, errors.New(errors.KindIO, "catls.watch", "watching CA key file", err)
	}
	if err := fsWatcher.Add(certPath); err != nil {
		fsWatcher.Close()
		return nil, errors.New(errors.KindIO, "catls.watch", "watching CA cert file", err)
	}

	w := &Watcher{
		store:     store,
		keyPath:   keyPath,
		certPath:  certPath,
		fsWatcher: fsWatcher,
		log:       log.With().Str("component", "catls.watcher").Logger(),
		done:      make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("fsnotify error watching CA files")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	keyPEM, err := os.ReadFile(w.keyPath)
	if err != nil {
		w.log.Warn().Err(err).Msg("reading CA key during reload")
		return
	}
	certPEM, err := os.ReadFile(w.certPath)
	if err != nil {
		w.log.Warn().Err(err).Msg("reading CA cert during reload")
		return
	}

	reloaded, err := LoadCA(keyPEM, certPEM)
	if err != nil {
		w.log.Warn().Err(err).Msg("CA reload rejected, keeping previous CA")
		return
	}

	w.store.reload(reloaded.caCert, reloaded.caKey)
	w.log.Info().Msg("CA reloaded from disk")
}

// Close stops the watcher and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsWatcher.Close()
}

package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/edaniels/golog"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// DefaultUSBDevicePath is where usbfs device nodes appear and disappear on
// hotplug.
const DefaultUSBDevicePath = "/dev/bus/usb"

// hotplug events arrive in bursts (a device node plus its bus directory
// updates); collapse them before notifying
const debounceWindow = 500 * time.Millisecond

// Monitor watches a device node tree and reports hotplug activity so
// callers can rescan.
type Monitor struct {
	logger  golog.Logger
	watcher *fsnotify.Watcher

	cancelCtx               context.Context
	cancelFunc              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// NewMonitor watches path and its subdirectories for device node changes.
func NewMonitor(path string, logger golog.Logger) (*Monitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating hotplug watcher")
	}
	if err := addTree(watcher, path); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &Monitor{
		logger:     logger,
		watcher:    watcher,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}, nil
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// Start begins delivering debounced change notifications. onChange runs on
// the monitor's background goroutine; it should hand off long work.
func (m *Monitor) Start(onChange func()) {
	debounced := debounce.New(debounceWindow)
	m.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		for {
			select {
			case <-m.cancelCtx.Done():
				return
			case event, ok := <-m.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Remove) == 0 {
					continue
				}
				if event.Op&fsnotify.Create != 0 {
					// new bus directories need their own watch
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := m.watcher.Add(event.Name); err != nil {
							m.logger.Debugw("could not watch new directory", "path", event.Name, "error", err)
						}
					}
				}
				debounced(onChange)
			case err, ok := <-m.watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warnw("hotplug watcher error", "error", err)
			}
		}
	}, m.activeBackgroundWorkers.Done)
}

// Close stops the monitor and releases the watcher.
func (m *Monitor) Close() error {
	m.cancelFunc()
	err := m.watcher.Close()
	m.activeBackgroundWorkers.Wait()
	return err
}

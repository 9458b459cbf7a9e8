package main

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"
)

// watchConfig calls reload whenever the config file is written or replaced.
// The directory is watched because editors and config map updates swap the
// file instead of writing it in place.
func watchConfig(ctx context.Context, wg *sync.WaitGroup, path string, reload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		klog.Errorf("failed to create fsnotify watcher: %v", err)
		return err
	}

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		klog.Errorf("failed to watch %s: %v", filepath.Dir(path), err)
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					klog.V(2).Infof("config %s changed (%s)", path, event.Op)
					reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				klog.Errorf("config watcher error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// follower is an io.ReadCloser that keeps reading a growing file
type follower struct {
	file    *os.File
	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// Follow opens path and returns a reader that blocks at end of file until
// more data is written, ctx is done or the reader is closed
func Follow(ctx context.Context, path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		file.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	return &follower{
		file:    file,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (f *follower) Read(p []byte) (int, error) {
	for {
		n, err := f.file.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		// At end of file, wait for the next write
		select {
		case <-f.ctx.Done():
			return 0, io.EOF
		case event, ok := <-f.watcher.Events:
			if !ok {
				return 0, io.EOF
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				return 0, io.EOF
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return 0, io.EOF
			}
			return 0, err
		}
	}
}

func (f *follower) Close() error {
	var err error
	f.once.Do(func() {
		f.cancel()
		f.watcher.Close()
		err = f.file.Close()
	})
	return err
}

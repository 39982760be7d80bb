package watcher

import (
	"github.com/fsnotify/fsnotify"
)

// Notification receives the events of a Notifier. Both methods are called from the
// goroutine running Start.
type Notification interface {
	WatcherItemDidChange(path string)
	WatcherDidError(err error)
}

// Notifier watches paths until Shutdown. Start blocks.
type Notifier interface {
	Start(Notification)
	Add(path string) error
	Shutdown()
}

// File is a file watcher that notifies when a file has been changed
type File struct {
	watcher  *fsnotify.Watcher
	shutdown chan struct{}
}

// NewFile is a standard constructor
func NewFile() (*File, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	f := &File{
		watcher:  watcher,
		shutdown: make(chan struct{}),
	}
	return f, nil
}

// Add adds a file to start watching
func (f *File) Add(filepath string) error {
	return f.watcher.Add(filepath)
}

// Shutdown stop the file watching run loop
func (f *File) Shutdown() {
	// don't block if Start quit early
	select {
	case f.shutdown <- struct{}{}:
	default:
	}
}

// Start is a runloop to watch for files changes from the file paths added from Add().
// Editors and config management tools often replace a file instead of writing it in place;
// the replaced path is watched again and reported as changed.
func (f *File) Start(notifier Notification) {
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Op&fsnotify.Write == fsnotify.Write:
				notifier.WatcherItemDidChange(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				// the old inode is gone, follow the new file at the same path
				if err := f.watcher.Add(event.Name); err != nil {
					notifier.WatcherDidError(err)
					continue
				}
				notifier.WatcherItemDidChange(event.Name)
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			notifier.WatcherDidError(err)

		case <-f.shutdown:
			f.watcher.Close()
			return
		}
	}
}

// Package camera tracks the frames an external capture process drops into
// the image directory. The sampler stamps each CSV row with the most recent
// frame path; lookups are best-effort and an empty path is normal.
package camera

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/roadsense/roadsense/internal/state"
)

// framePrefix and frameSuffix match the capture process naming scheme,
// frame_{t_ms}.jpg.
const (
	framePrefix = "frame_"
	frameSuffix = ".jpg"
)

// FrameCache watches the image directory and publishes the latest frame
// path into the shared state store.
type FrameCache struct {
	dir     string
	store   *state.Store
	watcher *fsnotify.Watcher
	log     *logrus.Logger
}

// NewFrameCache creates the directory if needed, seeds the store with the
// newest existing frame and starts watching for new ones.
func NewFrameCache(dir string, store *state.Store, log *logrus.Logger) (*FrameCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating image directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("error creating directory watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("error watching %s: %w", dir, err)
	}

	c := &FrameCache{dir: dir, store: store, watcher: watcher, log: log}
	if latest := c.newestExisting(); latest != "" {
		store.SetImagePath(latest)
	}
	return c, nil
}

// Run consumes watcher events until stop closes.
func (c *FrameCache) Run(stop <-chan struct{}) {
	defer c.watcher.Close()

	for {
		select {
		case <-stop:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if isFrame(filepath.Base(event.Name)) {
				c.store.SetImagePath(event.Name)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.WithError(err).Warn("image directory watch error")
		}
	}
}

// newestExisting returns the lexically last frame already on disk. Frame
// names embed a millisecond timestamp, so lexical order of equal-width
// names tracks capture order closely enough for a best-effort cache.
func (c *FrameCache) newestExisting() string {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return ""
	}

	var frames []string
	for _, entry := range entries {
		if !entry.IsDir() && isFrame(entry.Name()) {
			frames = append(frames, entry.Name())
		}
	}
	if len(frames) == 0 {
		return ""
	}
	sort.Strings(frames)
	return filepath.Join(c.dir, frames[len(frames)-1])
}

func isFrame(name string) bool {
	return strings.HasPrefix(name, framePrefix) && strings.HasSuffix(name, frameSuffix)
}

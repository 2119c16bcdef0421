// Package config loads the service's yaml configuration from a file or a
// directory of files and hands values out through dotted-key accessors.
// A reload replaces the settings wholesale and notifies registered
// callbacks, which can ask what changed.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads the file at path, or every yaml file under it when path is
// a directory. Directory contents merge in lexical order with later
// files winning, except that lists append across files.
func (c *C) Load(path string) error {
	c.path = path
	c.files = make([]string, 0)

	err := c.collectFiles(path, true)
	if err != nil {
		return err
	}

	if len(c.files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}

	sort.Strings(c.files)
	return c.mergeFiles()
}

// LoadString replaces the settings with the parsed raw yaml.
func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}

	var settings map[string]any
	if err := yaml.Unmarshal([]byte(raw), &settings); err != nil {
		return err
	}

	c.Settings = settings
	return nil
}

// RegisterReloadCallback stores a function to run after each reload.
// Callbacks decide for themselves whether anything they care about
// changed, typically via HasChanged, and should return quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// HasChanged reports whether the value under k differs between the
// settings before and after the last reload. An empty k compares the
// whole config. The comparison is a yaml serialization of both sides,
// so a key that merely moved can read as changed.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		// No reload has happened.
		return false
	}

	var nv, ov any
	if k == "" {
		nv = c.Settings
		ov = c.oldSettings
		k = "all settings"
	} else {
		nv = c.get(k, c.Settings)
		ov = c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads from the path given to Load whenever SIGHUP arrives,
// until the context is cancelled. A config that came from LoadString has
// no path and never reloads this way.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(ch)
				close(ch)
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig re-reads the original path, keeping a shallow copy of the
// previous settings for HasChanged, and runs the reload callbacks. A
// load failure leaves the current settings in place.
func (c *C) ReloadConfig() {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	c.snapshotSettings()

	err := c.Load(c.path)
	if err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return
	}

	for _, cb := range c.callbacks {
		cb(c)
	}
}

// ReloadConfigString is ReloadConfig for embedders that manage the raw
// yaml themselves.
func (c *C) ReloadConfigString(raw string) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	c.snapshotSettings()

	err := c.LoadString(raw)
	if err != nil {
		return err
	}

	for _, cb := range c.callbacks {
		cb(c)
	}

	return nil
}

func (c *C) snapshotSettings() {
	c.oldSettings = make(map[string]any)
	for k, v := range c.Settings {
		c.oldSettings[k] = v
	}
}

// GetString returns the value under k rendered as a string, or d when
// the key is absent.
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	return fmt.Sprintf("%v", r)
}

// GetBool returns the bool under k, or d when the key is absent or not
// a recognizable bool. Accepts the yes/no spellings yaml writers reach
// for alongside what strconv.ParseBool takes.
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, fmt.Sprintf("%v", d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}

	return v
}

// GetDuration returns the duration under k, or d when the key is absent
// or does not parse.
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	r := c.GetString(k, "")
	v, err := time.ParseDuration(r)
	if err != nil {
		return d
	}
	return v
}

// Get returns the raw value under the dotted key k, or nil when any
// segment is missing. Callers that need structure, like the netlink
// family list, walk the result themselves.
func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) get(k string, v any) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}

	return v
}

// direct marks the path the user named; only files discovered inside a
// directory are filtered by extension.
func (c *C) collectFiles(path string, direct bool) error {
	i, err := os.Stat(path)
	if err != nil {
		return nil
	}

	if !i.IsDir() {
		return c.takeFile(path, direct)
	}

	names, err := sortedDirNames(path)
	if err != nil {
		return fmt.Errorf("problem while reading directory %s: %s", path, err)
	}

	for _, name := range names {
		err := c.collectFiles(filepath.Join(path, name), false)
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *C) takeFile(path string, direct bool) error {
	ext := filepath.Ext(path)
	if !direct && ext != ".yaml" && ext != ".yml" {
		return nil
	}

	ap, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	c.files = append(c.files, ap)
	return nil
}

func (c *C) mergeFiles() error {
	var settings map[string]any

	for _, path := range c.files {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var next map[string]any
		if err := yaml.Unmarshal(b, &next); err != nil {
			return err
		}

		// WithAppendSlice so a list split across files ends up whole
		// instead of the last file's slice clobbering the rest.
		err = mergo.Merge(&next, settings, mergo.WithAppendSlice)
		settings = next
		if err != nil {
			return err
		}
	}

	c.Settings = settings
	return nil
}

func sortedDirNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}

	sort.Strings(names)
	return names, nil
}

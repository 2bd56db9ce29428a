// Package cacheversion tracks the on-disk schema version of a cache
// directory, following the same small sentinel-file convention the
// teacher uses for tracking persisted state outside the KV store itself
// (pkg/osutil's camliRootPath-style marker files).
package cacheversion

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Current is the schema version built into this binary. Bump it
// whenever the on-disk record formats in pkg/pcache or its callers
// change incompatibly.
const Current = 1

// defaultPreviousVersion is reported for a cache directory that has
// never recorded a software version.
const defaultPreviousVersion = "2.3.0"

// Info is what was read from (or assumed for) a cache directory before
// this run.
type Info struct {
	// PreviousSoftwareVersion is the contents of the "version" file,
	// or "2.3.0" if absent.
	PreviousSoftwareVersion string
	// PreviousCacheVersion is the integer in "cache_version", or 0 if
	// absent.
	PreviousCacheVersion int
	// WipeNeeded is true when PreviousCacheVersion != Current: the
	// caller must discard and recreate the cache before using it.
	WipeNeeded bool

	dir            string
	softwareVersion string
	changed        bool
}

// Load reads the version and cache_version marker files from dir,
// treating either as absent as "previous version 2.3.0, cache version
// 0". softwareVersion is this binary's own version string, recorded on
// Close if it differs from what was already there.
func Load(dir, softwareVersion string) (*Info, error) {
	info := &Info{dir: dir, softwareVersion: softwareVersion, PreviousSoftwareVersion: defaultPreviousVersion}

	if b, err := os.ReadFile(filepath.Join(dir, "version")); err == nil {
		info.PreviousSoftwareVersion = strings.TrimSpace(string(b))
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cacheversion: reading version: %w", err)
	}

	if b, err := os.ReadFile(filepath.Join(dir, "cache_version")); err == nil {
		n, perr := strconv.Atoi(strings.TrimSpace(string(b)))
		if perr != nil {
			return nil, fmt.Errorf("cacheversion: parsing cache_version: %w", perr)
		}
		info.PreviousCacheVersion = n
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cacheversion: reading cache_version: %w", err)
	}

	info.WipeNeeded = info.PreviousCacheVersion != Current
	info.changed = info.PreviousSoftwareVersion != softwareVersion || info.PreviousCacheVersion != Current
	return info, nil
}

// Close writes the version and cache_version marker files, but only if
// either value actually changed during this run — mirroring the
// teacher's habit of skipping a write when nothing moved.
func (i *Info) Close() error {
	if !i.changed {
		return nil
	}
	if err := os.WriteFile(filepath.Join(i.dir, "version"), []byte(i.softwareVersion), 0644); err != nil {
		return fmt.Errorf("cacheversion: writing version: %w", err)
	}
	if err := os.WriteFile(filepath.Join(i.dir, "cache_version"), []byte(strconv.Itoa(Current)), 0644); err != nil {
		return fmt.Errorf("cacheversion: writing cache_version: %w", err)
	}
	return nil
}

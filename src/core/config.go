package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/please-build/gcfg"
)

// Configuration holds the keys passed in at resources construction (spec
// §6). Field tags follow the teacher's gcfg-section convention
// (`gcfg:"section"`); defaults come from DefaultConfiguration, not from
// struct tags.
type Configuration struct {
	MemoryCache struct {
		UnusedSizeLimit uint64 `gcfg:"unused-size-limit"`
	} `gcfg:"memory-cache"`

	SecondaryCache struct {
		Factory string `gcfg:"factory"`
	} `gcfg:"secondary-cache"`

	DiskCache struct {
		Directory  string `gcfg:"directory"`
		SizeLimit  uint64 `gcfg:"size-limit"`
		StartEmpty bool   `gcfg:"start-empty"`
	} `gcfg:"disk-cache"`

	HTTP struct {
		Concurrency int `gcfg:"concurrency"`
	} `gcfg:"http"`

	DeployDir string `gcfg:"deploy-dir"`
	Testing   bool   `gcfg:"testing"`
}

// DefaultConfiguration returns the configuration used when no config file
// is present, matching the teacher's DefaultConfiguration() pattern of
// applying sane defaults before any file is read.
func DefaultConfiguration() *Configuration {
	c := &Configuration{}
	c.MemoryCache.UnusedSizeLimit = 512 * 1024 * 1024
	c.SecondaryCache.Factory = "local_disk_cache"
	c.DiskCache.Directory = filepath.Join(os.TempDir(), "cradle-cache")
	c.DiskCache.SizeLimit = 4 * 1024 * 1024 * 1024
	c.DiskCache.StartEmpty = false
	c.HTTP.Concurrency = 8
	c.DeployDir = ""
	c.Testing = false
	return c
}

// configFileCandidates returns the search order for config files, mirroring
// the teacher's layered-config idiom (repo file, then a local override,
// then system-wide and user-wide files) generalized to CRADLE's single
// working directory.
func configFileCandidates(repoRoot string) []string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(repoRoot, ".cradleconfig"),
		filepath.Join(repoRoot, ".cradleconfig.local"),
		"/etc/cradleconfig",
	}
	if home != "" {
		candidates = append(candidates, filepath.Join(home, ".cradle", "cradleconfig"))
	}
	return candidates
}

// ReadConfigFiles reads and layers every candidate config file that
// exists, starting from DefaultConfiguration and overwriting fields as
// later files are read, exactly as the teacher's ReadConfigFiles layers
// .plzconfig / .plzconfig.local / /etc/plzconfig.
func ReadConfigFiles(repoRoot string) (*Configuration, error) {
	config := DefaultConfiguration()
	for _, path := range configFileCandidates(repoRoot) {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := gcfg.ReadFileInto(config, path); err != nil {
			return nil, WrapError(ErrParsing, err, "reading config file %s", path)
		}
	}
	return config, nil
}

// String renders the configuration for diagnostic logging.
func (c *Configuration) String() string {
	return fmt.Sprintf(
		"memory-cache.unused-size-limit=%d secondary-cache.factory=%s disk-cache.directory=%s disk-cache.size-limit=%d http.concurrency=%d deploy-dir=%s testing=%v",
		c.MemoryCache.UnusedSizeLimit, c.SecondaryCache.Factory, c.DiskCache.Directory,
		c.DiskCache.SizeLimit, c.HTTP.Concurrency, c.DeployDir, c.Testing,
	)
}

// Package paths resolves where gridcache keeps its configuration and its
// database. Flags win over the environment, which wins over defaults.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName names the per-user directories.
const AppName = "gridcache"

// Project-local directory names, relative to the working directory.
const (
	LocalConfigDirName = ".gridcache"
	LocalDataDirName   = ".gridcache-db"
)

// ConfigFileName is the viper config file inside the config directory.
const ConfigFileName = "config.yaml"

// Environment overrides.
const (
	EnvConfigDir = "GRIDCACHE_CONFIG_DIR"
	EnvDataDir   = "GRIDCACHE_DATA_DIR"
)

// host holds the environment lookups; tests replace them.
var host = struct {
	getenv        func(string) string
	getwd         func() (string, error)
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	getenv:        os.Getenv,
	getwd:         os.Getwd,
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// UserConfigDir is the per-user configuration directory:
// $XDG_CONFIG_HOME/gridcache or ~/.config/gridcache on Linux, and
// os.UserConfigDir()/gridcache elsewhere.
func UserConfigDir() (string, error) {
	return userDir("XDG_CONFIG_HOME", ".config")
}

// UserDataDir is the per-user data directory: $XDG_DATA_HOME/gridcache or
// ~/.local/share/gridcache on Linux, and os.UserConfigDir()/gridcache
// elsewhere.
func UserDataDir() (string, error) {
	return userDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func userDir(xdgVar, homeRel string) (string, error) {
	if runtime.GOOS != "linux" {
		dir, err := host.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, AppName), nil
	}
	if xdg := host.getenv(xdgVar); xdg != "" {
		return filepath.Join(xdg, AppName), nil
	}
	home, err := host.homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, homeRel, AppName), nil
}

// ConfigDir picks the configuration directory: flag, then
// GRIDCACHE_CONFIG_DIR, then ./.gridcache when it exists, then
// UserConfigDir. The result is absolute.
func ConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := host.getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	cwd, err := host.getwd()
	if err != nil {
		return "", err
	}
	local := filepath.Join(cwd, LocalConfigDirName)
	if fi, err := os.Stat(local); err == nil && fi.IsDir() {
		return local, nil
	}
	return UserConfigDir()
}

// DataDir picks the database directory: flag, then the data_dir value from
// config.yaml, then GRIDCACHE_DATA_DIR, then ./.gridcache-db. The result is
// absolute.
func DataDir(flag, configured string) (string, error) {
	for _, dir := range []string{flag, configured, host.getenv(EnvDataDir)} {
		if dir != "" {
			return filepath.Abs(dir)
		}
	}
	cwd, err := host.getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, LocalDataDirName), nil
}

// ConfigFile returns the config.yaml path inside dir.
func ConfigFile(dir string) string {
	return filepath.Join(dir, ConfigFileName)
}

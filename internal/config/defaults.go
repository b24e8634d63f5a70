package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const appName = "screenguard"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/screenguard/
//   - Linux:   ~/.local/share/screenguard/
//   - Windows: %APPDATA%\screenguard\
//
// SCREENGUARD_DATA_DIR overrides all of them.
func PlatformDataDir() string {
	if v := os.Getenv("SCREENGUARD_DATA_DIR"); v != "" {
		return v
	}
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/screenguard/
//   - Linux:   ~/.config/screenguard/
//   - Windows: %APPDATA%\screenguard\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return xdgDir("XDG_CONFIG_HOME", ".config")
	}
}

// PlatformStateDir returns where logs go.
func PlatformStateDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", appName)
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appName, "logs")
		}
		return filepath.Join(windowsDataDir(), "logs")
	default:
		return xdgDir("XDG_STATE_HOME", ".local", "state")
	}
}

// PlatformRuntimeDir returns the directory for the socket and PID file.
//
// Platform paths:
//   - Linux:   $XDG_RUNTIME_DIR/screenguard/ or /tmp/screenguard-$UID/
//   - others:  /tmp/screenguard-$UID/
func PlatformRuntimeDir() string {
	if runtime.GOOS == "linux" {
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, appName)
		}
	}
	return filepath.Join(os.TempDir(), appName+"-"+userID())
}

func macOSDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Application Support", appName)
}

func windowsDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Roaming", appName)
}

// xdgDir resolves $env/screenguard, or ~/fallback.../screenguard.
func xdgDir(env string, fallback ...string) string {
	if v := os.Getenv(env); v != "" {
		return filepath.Join(v, appName)
	}
	home, _ := os.UserHomeDir()
	parts := append([]string{home}, fallback...)
	return filepath.Join(append(parts, appName)...)
}

func userID() string {
	if uid := os.Getuid(); uid >= 0 {
		return strconv.Itoa(uid)
	}
	return "0"
}

// DefaultPaths returns all default paths for a platform.
type DefaultPaths struct {
	DataDir    string
	ConfigDir  string
	StateDir   string
	RuntimeDir string

	ConfigFile  string
	JournalFile string
	LogFile     string
	SocketPath  string
	PIDFile     string
	StateFile   string
}

// GetDefaultPaths returns all default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	dataDir := PlatformDataDir()
	configDir := PlatformConfigDir()
	stateDir := PlatformStateDir()
	runtimeDir := PlatformRuntimeDir()

	return &DefaultPaths{
		DataDir:    dataDir,
		ConfigDir:  configDir,
		StateDir:   stateDir,
		RuntimeDir: runtimeDir,

		ConfigFile:  filepath.Join(configDir, "config.toml"),
		JournalFile: filepath.Join(dataDir, "journal.db"),
		LogFile:     filepath.Join(stateDir, appName+".log"),
		SocketPath:  filepath.Join(runtimeDir, appName+".sock"),
		PIDFile:     filepath.Join(runtimeDir, appName+".pid"),
		StateFile:   filepath.Join(runtimeDir, appName+".state"),
	}
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the working directory and then the config
// directory for config.<ext>. It returns "" when none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

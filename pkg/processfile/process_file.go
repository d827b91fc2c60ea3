package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

const DefaultAppName = "hsu-supervisor"

// Config selects where the supervisor publishes its runtime files
type Config struct {
	// BaseDirectory overrides the OS default for the service context
	BaseDirectory string `yaml:"base_directory,omitempty"`

	ServiceContext ServiceContext `yaml:"service_context,omitempty"`

	AppName string `yaml:"app_name,omitempty"`
}

// ServiceContext defines the context in which the supervisor runs
type ServiceContext string

const (
	// SystemService runs as a daemon
	SystemService ServiceContext = "system"

	// UserService runs under a login user
	UserService ServiceContext = "user"

	// SessionService files are cleaned up on logout
	SessionService ServiceContext = "session"
)

// Manager resolves and writes the pid file, the port files of each listener
// and the default data directory.
type Manager struct {
	config Config
	logger logging.Logger
}

func NewManager(config Config, logger logging.Logger) *Manager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}
	return &Manager{
		config: config,
		logger: logger,
	}
}

// ValidateServiceContext accepts the known contexts and the empty default
func ValidateServiceContext(context ServiceContext) error {
	switch context {
	case "", SystemService, UserService, SessionService:
		return nil
	}
	return errors.NewValidationError(
		fmt.Sprintf("unsupported service context: %s", context),
		nil,
	).WithContext("supported_contexts", "system, user, session")
}

// Directory is where every runtime file of this app lives
func (m *Manager) Directory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}
	return filepath.Join(m.runtimeBase(), m.config.AppName)
}

func (m *Manager) PIDFilePath() string {
	return filepath.Join(m.Directory(), m.config.AppName+".pid")
}

// PortFilePath names the file announcing the port of one listener, e.g. "grpc"
func (m *Manager) PortFilePath(listener string) string {
	return filepath.Join(m.Directory(), listener+".port")
}

// DataFilePath places a persistent file such as the journal database
func (m *Manager) DataFilePath(name string) string {
	if m.config.BaseDirectory != "" {
		return filepath.Join(m.config.BaseDirectory, name)
	}
	return filepath.Join(m.dataBase(), m.config.AppName, name)
}

// WritePIDFile records the current process id
func (m *Manager) WritePIDFile() error {
	return m.writeNumber(m.PIDFilePath(), "pid", os.Getpid())
}

func (m *Manager) WritePortFile(listener string, port int) error {
	return m.writeNumber(m.PortFilePath(listener), "port", port)
}

func (m *Manager) ReadPortFile(listener string) (int, error) {
	path := m.PortFilePath(listener)
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.NewIOError("failed to read port file", err).WithContext("port_file", path)
	}

	portStr := strings.TrimSpace(string(content))
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, errors.NewValidationError("invalid port in port file", err).WithContext("port_file", path).WithContext("content", portStr)
	}
	return port, nil
}

// Remove deletes the pid file and the given port files. Missing files are ignored.
func (m *Manager) Remove(listeners ...string) {
	paths := []string{m.PIDFilePath()}
	for _, listener := range listeners {
		paths = append(paths, m.PortFilePath(listener))
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warnf("Failed to remove runtime file, path: %s, error: %v", path, err)
		}
	}
}

func (m *Manager) writeNumber(path string, kind string, value int) error {
	if err := EnsureDirectory(filepath.Dir(path)); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", value)), 0644); err != nil {
		return errors.NewIOError(fmt.Sprintf("failed to write %s file", kind), err).WithContext("path", path)
	}
	m.logger.Debugf("Runtime file written, kind: %s, value: %d, path: %s", kind, value, path)
	return nil
}

// EnsureDirectory creates dir if needed and checks it is a writable directory
func EnsureDirectory(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create directory", err).WithContext("directory", dir)
		}
	case err != nil:
		return errors.NewIOError("failed to access directory", err).WithContext("directory", dir)
	case !info.IsDir():
		return errors.NewValidationError("path is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewIOError("directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(testFile)
	return nil
}

func (m *Manager) runtimeBase() string {
	switch m.config.ServiceContext {
	case SystemService:
		return systemRuntimeDirectory()
	case SessionService:
		return sessionRuntimeDirectory()
	default:
		return userRuntimeDirectory()
	}
}

func (m *Manager) dataBase() string {
	switch m.config.ServiceContext {
	case SystemService:
		switch runtime.GOOS {
		case "windows":
			return systemRuntimeDirectory()
		case "darwin":
			return "/Library/Application Support"
		default:
			return "/var/lib"
		}
	case SessionService:
		return os.TempDir()
	default:
		if runtime.GOOS != "windows" && runtime.GOOS != "darwin" {
			if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
				return dataHome
			}
			if homeDir, err := os.UserHomeDir(); err == nil {
				return filepath.Join(homeDir, ".local", "share")
			}
		}
		return userRuntimeDirectory()
	}
}

func systemRuntimeDirectory() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = "C:\\ProgramData"
		}
		return programData
	case "darwin":
		return "/var/run"
	default:
		// Modern standard is /run, with fallback to /var/run
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

func userRuntimeDirectory() string {
	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
				localAppData = filepath.Join(userProfile, "AppData", "Local")
			} else {
				localAppData = "C:\\Users\\Default\\AppData\\Local"
			}
		}
		return localAppData
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return filepath.Join(homeDir, "Library", "Application Support")
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	}
}

func sessionRuntimeDirectory() string {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return os.TempDir()
	}
	sessionDir := fmt.Sprintf("/run/user/%d", os.Getuid())
	if _, err := os.Stat(sessionDir); err == nil {
		return sessionDir
	}
	return os.TempDir()
}

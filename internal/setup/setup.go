// Package setup registers the lite MCP server with desktop MCP clients and reports
// whether a local installation is ready to assess patients.
package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/ptld-risk-mcp-server/internal/config"
	"github.com/ptld-risk-mcp-server/internal/oracle"
)

// ServerName is the key the server is registered under in the client configuration.
const ServerName = "ptld-risk"

// BinaryName is the lite server executable.
const BinaryName = "mcp-server-lite"

// ClientConfig represents the desktop client configuration file structure.
type ClientConfig struct {
	MCPServers map[string]MCPServerConfig `json:"mcpServers"`
}

// MCPServerConfig represents a single MCP server configuration.
type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Options contains options for registering the server.
type Options struct {
	ConfigPath string // Client config file; empty selects the platform default
	BinaryPath string // Path to the server binary
	DataDir    string // Data directory for the lite server
	ModelPath  string // Model file; empty uses <data dir>/model.json
}

// DefaultClientConfigPath returns the platform path of the desktop client's config file.
func DefaultClientConfigPath() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support", "Claude")
	case "linux":
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = filepath.Join(xdgConfig, "Claude")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "Claude")
		}
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		configDir = filepath.Join(appData, "Claude")
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	return filepath.Join(configDir, "claude_desktop_config.json"), nil
}

// LoadClientConfig loads the client configuration. A missing file yields an empty config.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ClientConfig{MCPServers: make(map[string]MCPServerConfig)}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = make(map[string]MCPServerConfig)
	}
	return &cfg, nil
}

// SaveClientConfig writes the client configuration, creating its directory.
func SaveClientConfig(path string, cfg *ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Register adds or updates the server entry in the client configuration and returns the
// config file path. Other servers in the file are preserved.
func Register(opts Options) (string, error) {
	path := opts.ConfigPath
	if path == "" {
		var err error
		if path, err = DefaultClientConfigPath(); err != nil {
			return "", err
		}
	}

	cfg, err := LoadClientConfig(path)
	if err != nil {
		return "", err
	}

	binaryPath := opts.BinaryPath
	if binaryPath == "" {
		if binaryPath, err = findBinary(); err != nil {
			return "", fmt.Errorf("could not find server binary: %w", err)
		}
	}

	entry := MCPServerConfig{
		Command: binaryPath,
		Env:     make(map[string]string),
	}
	if opts.DataDir != "" {
		entry.Env["PTLD_DATA_DIR"] = opts.DataDir
	}
	if opts.ModelPath != "" {
		entry.Env["PTLD_MODEL_PATH"] = opts.ModelPath
	}
	cfg.MCPServers[ServerName] = entry

	if err := SaveClientConfig(path, cfg); err != nil {
		return "", err
	}
	return path, nil
}

func findBinary() (string, error) {
	if path, err := exec.LookPath(BinaryName); err == nil {
		return path, nil
	}

	locations := []string{
		"./" + BinaryName,
		"./build/" + BinaryName,
		filepath.Join(os.Getenv("HOME"), ".local", "bin", BinaryName),
		"/usr/local/bin/" + BinaryName,
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			if abs, err := filepath.Abs(loc); err == nil {
				return abs, nil
			}
			return loc, nil
		}
	}
	return "", fmt.Errorf("binary %q not found in common locations", BinaryName)
}

// Status describes a local installation.
type Status struct {
	ClientConfigPath string
	Registered       bool
	ServerPath       string
	DataDir          string
	ModelPath        string
	ModelVersion     string
	Issues           []string
}

// Ready reports whether the installation can serve assessments.
func (s *Status) Ready() bool {
	return s.Registered && s.ModelVersion != "" && len(s.Issues) == 0
}

// GetStatus inspects the client configuration, data directory and model file.
// configPath may be empty to use the platform default.
func GetStatus(configPath string) (*Status, error) {
	status := &Status{Issues: []string{}}

	if configPath == "" {
		var err error
		if configPath, err = DefaultClientConfigPath(); err != nil {
			status.Issues = append(status.Issues, fmt.Sprintf("Could not determine client config path: %v", err))
		}
	}
	status.ClientConfigPath = configPath

	lite := config.DefaultLiteConfig()
	if configPath != "" {
		cfg, err := LoadClientConfig(configPath)
		if err != nil {
			return nil, err
		}
		if entry, ok := cfg.MCPServers[ServerName]; ok {
			status.Registered = true
			status.ServerPath = entry.Command
			if _, err := os.Stat(entry.Command); err != nil {
				status.Issues = append(status.Issues, fmt.Sprintf("Server binary not found at: %s", entry.Command))
			}
			if dir := entry.Env["PTLD_DATA_DIR"]; dir != "" {
				lite.DataDir = dir
				lite.ModelPath = filepath.Join(dir, "model.json")
			}
			if model := entry.Env["PTLD_MODEL_PATH"]; model != "" {
				lite.ModelPath = model
			}
		}
	}
	status.DataDir = lite.DataDir
	status.ModelPath = lite.ModelPath

	model, err := oracle.LoadLogisticOracle(lite.ModelPath)
	if err != nil {
		status.Issues = append(status.Issues, fmt.Sprintf("Model not usable: %v", err))
	} else {
		status.ModelVersion = model.ModelVersion()
	}

	return status, nil
}

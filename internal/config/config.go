// Package config carries the process host's own startup defaults - the
// ambient configuration the host needs before it can accept a
// component Init call, as distinct from the per-instance properties
// that flow through the pluggable protocol (routing.Config).
//
// Grounded on inful-docbuilder's kong-plus-YAML config layering: a
// small kong-tagged struct for flags, with an optional YAML file
// merged in underneath (file sets the floor, flags win).
package config

import (
	"os"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// SocketDirEnv is the environment variable the sidecar uses to tell
// the component where to create its Unix domain socket.
const SocketDirEnv = "COMPONENTS_SOCKETS_FOLDER"

const (
	DefaultSocketDir    = "/tmp/dapr-components-sockets"
	DefaultSocketName   = "pg-statestore.sock"
	DefaultPollInterval = "5s"
	DefaultLogLevel     = "info"
)

// File is the optional on-disk defaults file, read before flags are
// applied. Every field is optional; a missing file is not an error.
type File struct {
	SocketDir        string `yaml:"socketDir"`
	SocketName       string `yaml:"socketName"`
	PollInterval     string `yaml:"pollInterval"`
	LogLevel         string `yaml:"logLevel"`
	ConnectionString string `yaml:"connectionString"`
}

// CLI is the flag surface parsed by kong. Config, when set, names a
// YAML file merged in beneath whatever flags the caller also passed.
type CLI struct {
	Config           string `help:"Path to an optional YAML defaults file."`
	SocketDir        string `help:"Directory to create the component's Unix domain socket in." default:""`
	SocketName       string `help:"File name of the component's Unix domain socket." default:""`
	PollInterval     string `help:"TTL janitor sweep interval, as a Go duration string." default:""`
	LogLevel         string `help:"Logging level (debug, info, warn, error)." default:""`
	ConnectionString string `help:"Fallback connectionString used only when Init.properties omits one (local testing)." default:""`
}

// Resolved is the fully merged, defaulted configuration the process
// host acts on.
type Resolved struct {
	SocketDir        string
	SocketName       string
	PollInterval     string
	LogLevel         string
	ConnectionString string
}

// Parse parses args (normally os.Args[1:]) into a CLI struct using
// kong, then merges it over an optional YAML file and the documented
// defaults.
func Parse(args []string) (Resolved, error) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		return Resolved{}, err
	}
	if _, err := parser.Parse(args); err != nil {
		return Resolved{}, err
	}

	resolved := Resolved{
		SocketDir:    DefaultSocketDir,
		SocketName:   DefaultSocketName,
		PollInterval: DefaultPollInterval,
		LogLevel:     DefaultLogLevel,
	}

	if cli.Config != "" {
		file, err := loadFile(cli.Config)
		if err != nil {
			return Resolved{}, err
		}
		resolved.applyFile(file)
	}

	resolved.applyCLI(cli)

	if env := os.Getenv(SocketDirEnv); env != "" {
		resolved.SocketDir = env
	}

	return resolved, nil
}

func loadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return File{}, err
	}
	return file, nil
}

func (r *Resolved) applyFile(f File) {
	if f.SocketDir != "" {
		r.SocketDir = f.SocketDir
	}
	if f.SocketName != "" {
		r.SocketName = f.SocketName
	}
	if f.PollInterval != "" {
		r.PollInterval = f.PollInterval
	}
	if f.LogLevel != "" {
		r.LogLevel = f.LogLevel
	}
	if f.ConnectionString != "" {
		r.ConnectionString = f.ConnectionString
	}
}

func (r *Resolved) applyCLI(c CLI) {
	if c.SocketDir != "" {
		r.SocketDir = c.SocketDir
	}
	if c.SocketName != "" {
		r.SocketName = c.SocketName
	}
	if c.PollInterval != "" {
		r.PollInterval = c.PollInterval
	}
	if c.LogLevel != "" {
		r.LogLevel = c.LogLevel
	}
	if c.ConnectionString != "" {
		r.ConnectionString = c.ConnectionString
	}
}

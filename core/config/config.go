package config

import (
	_ "embed"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"
)

//go:embed default/config.yaml
var defaultConfigData []byte

const (
	ConfigurationName = "config.yaml"
	EventLogName      = "qsh.log"
	HistoryName       = ".qsh_history"
)

// Color modes for prompt rendering.
const (
	ColorAlways = "always"
	ColorAuto   = "auto"
	ColorNever  = "never"
)

type Configuration struct {
	configFs afero.Fs

	// Prompt in PS1 style; \u, \h, \w and \$ are expanded.
	Prompt string `json:"prompt"`
	// HistoryFile overrides the default ~/.qsh_history location.
	HistoryFile string `json:"history_file"`
	// Color controls prompt coloring: always, auto or never.
	Color string `json:"color" validate:"omitempty,oneof=always auto never"`
	// LogCommands enables the JSON-lines event log in the config directory.
	LogCommands bool `json:"log_commands"`
}

// Validate the configuration for basic semantic errors.
func (c *Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		return name
	})

	return validate.Struct(c)
}

func (c *Configuration) fs() afero.Fs {
	if c.configFs == nil {
		return afero.NewBasePathFs(afero.NewOsFs(), ".")
	}
	return c.configFs
}

// OpenEventLog opens the session event log in an append only state.
func (c *Configuration) OpenEventLog() (afero.File, error) {
	return c.fs().OpenFile(EventLogName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// ReadEventLog opens the session event log for reading.
func (c *Configuration) ReadEventLog() (afero.File, error) {
	return c.fs().OpenFile(EventLogName, os.O_RDONLY, 0600)
}

// HistoryPath resolves the readline history file location.
func (c *Configuration) HistoryPath() string {
	if c.HistoryFile != "" {
		return c.HistoryFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, HistoryName)
}

func defaultConfig() *Configuration {
	var out Configuration
	if err := yaml.UnmarshalStrict(defaultConfigData, &out); err != nil {
		panic(err)
	}
	return &out
}

// Default returns the built-in configuration, used when no config.yaml
// exists.
func Default() *Configuration {
	out := defaultConfig()
	out.configFs = afero.NewBasePathFs(afero.NewOsFs(), ".")
	return out
}

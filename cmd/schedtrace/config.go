package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"schedtrace/pkg/options"
)

const (
	envVerbosity      = "SCHEDTRACE_VERBOSITY"
	envWithGUI        = "SCHEDTRACE_WITH_GUI"
	envTaskfile       = "SCHEDTRACE_TASKFILE"
	envTracefile      = "SCHEDTRACE_TRACEFILE"
	envTracefileFlush = "SCHEDTRACE_TRACEFILE_FLUSH"
	envLogfileSync    = "SCHEDTRACE_LOGFILE_SYNC"
	envMutexProtocol  = "SCHEDTRACE_MUTEX_PROTOCOL"
	envWithAffinity   = "SCHEDTRACE_WITH_AFFINITY"
	envIdleYield      = "SCHEDTRACE_IDLE_YIELD"
	envIdleSleep      = "SCHEDTRACE_IDLE_SLEEP"
	envIdleRTSched    = "SCHEDTRACE_IDLE_RT_SCHED"
	envGUIWidth       = "SCHEDTRACE_GUI_W"
	envGUIHeight      = "SCHEDTRACE_GUI_H"
	envHTTPAddr       = "SCHEDTRACE_HTTP_ADDR"
)

// fileConfig mirrors options.Options for YAML decoding; every field is a
// pointer so an absent key leaves the default untouched.
type fileConfig struct {
	Verbosity      *string `yaml:"verbosity"`
	WithGUI        *bool   `yaml:"withGUI"`
	TaskfilePath   *string `yaml:"taskfilePath"`
	TracefilePath  *string `yaml:"tracefilePath"`
	TracefileFlush *bool   `yaml:"tracefileFlush"`
	LogfileSync    *bool   `yaml:"logfileSync"`
	MutexProtocol  *string `yaml:"mutexProtocol"`
	WithAffinity   *bool   `yaml:"withAffinity"`
	IdleYield      *bool   `yaml:"idleYield"`
	IdleSleep      *bool   `yaml:"idleSleep"`
	IdleRTSched    *bool   `yaml:"idleRTSched"`
	GUIWidth       *int    `yaml:"guiW"`
	GUIHeight      *int    `yaml:"guiH"`
	HTTPAddr       *string `yaml:"httpAddr"`
}

// loadConfig layers defaults, an optional YAML file, environment variable
// overrides, and finally CLI flags (flags applied by the caller after this
// returns).
func loadConfig(path string) (options.Options, error) {
	cfg := options.Default()

	trimmed := strings.TrimSpace(path)
	if trimmed != "" {
		data, err := os.ReadFile(trimmed)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return options.Options{}, fmt.Errorf("read config file %q: %w", trimmed, err)
			}
		} else {
			var file fileConfig

			if err := yaml.Unmarshal(data, &file); err != nil {
				return options.Options{}, fmt.Errorf("decode config file %q: %w", trimmed, err)
			}

			if err := mergeFileConfig(&cfg, file); err != nil {
				return options.Options{}, err
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return options.Options{}, err
	}

	return cfg, nil
}

func mergeFileConfig(cfg *options.Options, file fileConfig) error {
	if file.Verbosity != nil {
		v, err := options.ParseVerbosity(*file.Verbosity)
		if err != nil {
			return err
		}

		cfg.Verbosity = v
	}

	assignBool(&cfg.WithGUI, file.WithGUI)
	assignString(&cfg.TaskfilePath, file.TaskfilePath)
	assignString(&cfg.TracefilePath, file.TracefilePath)
	assignBool(&cfg.TracefileFlush, file.TracefileFlush)
	assignBool(&cfg.LogfileSync, file.LogfileSync)

	if file.MutexProtocol != nil {
		p, err := options.ParseMutexProtocol(*file.MutexProtocol)
		if err != nil {
			return err
		}

		cfg.MutexProtocol = p
	}

	assignBool(&cfg.WithAffinity, file.WithAffinity)
	assignBool(&cfg.IdleYield, file.IdleYield)
	assignBool(&cfg.IdleSleep, file.IdleSleep)
	assignBool(&cfg.IdleRTSched, file.IdleRTSched)
	assignInt(&cfg.GUIWidth, file.GUIWidth)
	assignInt(&cfg.GUIHeight, file.GUIHeight)
	assignString(&cfg.HTTPAddr, file.HTTPAddr)

	return nil
}

func applyEnvOverrides(cfg *options.Options) error {
	if value, ok := lookupEnv(envVerbosity); ok && strings.TrimSpace(value) != "" {
		v, err := options.ParseVerbosity(strings.TrimSpace(value))
		if err != nil {
			return err
		}

		cfg.Verbosity = v
	}

	cfg.WithGUI = envBool(envWithGUI, cfg.WithGUI)
	cfg.TaskfilePath = envString(envTaskfile, cfg.TaskfilePath)
	cfg.TracefilePath = envString(envTracefile, cfg.TracefilePath)
	cfg.TracefileFlush = envBool(envTracefileFlush, cfg.TracefileFlush)
	cfg.LogfileSync = envBool(envLogfileSync, cfg.LogfileSync)

	if value, ok := lookupEnv(envMutexProtocol); ok && strings.TrimSpace(value) != "" {
		p, err := options.ParseMutexProtocol(strings.TrimSpace(value))
		if err != nil {
			return err
		}

		cfg.MutexProtocol = p
	}

	cfg.WithAffinity = envBool(envWithAffinity, cfg.WithAffinity)
	cfg.IdleYield = envBool(envIdleYield, cfg.IdleYield)
	cfg.IdleSleep = envBool(envIdleSleep, cfg.IdleSleep)
	cfg.IdleRTSched = envBool(envIdleRTSched, cfg.IdleRTSched)
	cfg.GUIWidth = envInt(envGUIWidth, cfg.GUIWidth)
	cfg.GUIHeight = envInt(envGUIHeight, cfg.GUIHeight)
	cfg.HTTPAddr = envString(envHTTPAddr, cfg.HTTPAddr)

	return nil
}

var lookupEnv = os.LookupEnv //nolint:gochecknoglobals // overridden in tests

func assignBool(target *bool, value *bool) {
	if value != nil {
		*target = *value
	}
}

func assignInt(target *int, value *int) {
	if value != nil {
		*target = *value
	}
}

func assignString(target *string, value *string) {
	if value != nil {
		*target = strings.TrimSpace(*value)
	}
}

func envBool(key string, fallback bool) bool {
	value, ok := lookupEnv(key)
	if !ok {
		return fallback
	}

	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}

	return parsed
}

func envInt(key string, fallback int) int {
	value, ok := lookupEnv(key)
	if !ok {
		return fallback
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}

	return parsed
}

func envString(key, fallback string) string {
	value, ok := lookupEnv(key)
	if !ok {
		return fallback
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}

	return trimmed
}

// Package config layers configuration sources onto command-line flags.
//
// Precedence, highest first: flags set on the command line, environment
// variables (optionally loaded from a .env file), the JSON config file, and
// finally the flag defaults.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads a JSON config file and returns it as a map.
func Load(path string) (map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg map[string]interface{}
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyToFlags overrides flag defaults from config for any flag not
// explicitly set on the command line. Call this AFTER fs.Parse().
// Keys in the config can use either hyphens or underscores (e.g.
// "log-level" or "log_level" both match the -log-level flag).
func ApplyToFlags(fset *flag.FlagSet, cfg map[string]interface{}) error {
	explicit := explicitFlags(fset)

	var errs []error
	fset.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] {
			return
		}
		val, ok := cfg[f.Name]
		if !ok {
			// Try underscore variant: log-level → log_level
			val, ok = cfg[strings.ReplaceAll(f.Name, "-", "_")]
		}
		if !ok {
			return
		}
		var s string
		switch v := val.(type) {
		case string:
			s = v
		case float64, bool:
			s = fmt.Sprintf("%v", v)
		default:
			errs = append(errs, fmt.Errorf("config key %q: unsupported value %v", f.Name, val))
			return
		}
		if err := f.Value.Set(s); err != nil {
			errs = append(errs, fmt.Errorf("config key %q: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// ApplyEnv sets flags from environment variables. envByFlag maps flag names
// to variable names. Flags set on the command line are left alone.
func ApplyEnv(fset *flag.FlagSet, envByFlag map[string]string) error {
	explicit := explicitFlags(fset)

	var errs []error
	for name, env := range envByFlag {
		if explicit[name] {
			continue
		}
		val, ok := os.LookupEnv(env)
		if !ok || val == "" {
			continue
		}
		if err := fset.Set(name, val); err != nil {
			errs = append(errs, fmt.Errorf("env %s: %w", env, err))
		}
	}
	return errors.Join(errs...)
}

// Resolve applies the config file (if configPath is not empty) and then the
// environment to an already parsed flag set.
func Resolve(fset *flag.FlagSet, configPath string, envByFlag map[string]string) error {
	if configPath != "" {
		cfg, err := Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := ApplyToFlags(fset, cfg); err != nil {
			return err
		}
	}
	return ApplyEnv(fset, envByFlag)
}

func explicitFlags(fset *flag.FlagSet) map[string]bool {
	explicit := make(map[string]bool)
	fset.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	return explicit
}

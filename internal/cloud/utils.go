// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cloud provides components for interacting with Google Cloud services.
// This file contains the hierarchical configuration loader.
//
// Functions:
//   - fileExists: A simple helper to check if a file exists.
//   - LoadConfig: Implements a hierarchical configuration loader. It first reads a base
//     configuration file and then overwrites values with a second, environment-specific
//     file (e.g., .env.local.toml, .env.test.toml). The environment is determined by
//     an environment variable.
//   - ApplyEnvironment: Loads an optional dotenv file and lets a handful of well known
//     environment variables override the TOML values.
package cloud

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Cloud Constants define key strings and values used throughout the package,
// primarily for configuration loading.
const (
	ConfigFileBaseName  = ".env"              // The base name for configuration files (e.g., ".env.toml").
	ConfigFileExtension = ".toml"             // The file extension for configuration files.
	ConfigSeparator     = "."                 // The separator used in config file names (e.g., ".env.local.toml").
	EnvConfigFilePrefix = "GCP_CONFIG_PREFIX" // The environment variable for specifying the config directory.
	EnvConfigRuntime    = "GCP_RUNTIME"       // The environment variable for specifying the runtime context (e.g., "local", "test", "prod").
	DotEnvFile          = ".env"              // Optional KEY=VALUE file read before the overrides are applied.
)

// Environment variables that take precedence over the TOML files.
const (
	EnvProject         = "GOOGLE_CLOUD_PROJECT"
	EnvLocation        = "GOOGLE_CLOUD_LOCATION"
	EnvCredentialsFile = "GOOGLE_APPLICATION_CREDENTIALS"
	EnvGeminiAPIKey    = "GEMINI_API_KEY"
	EnvOutputDir       = "OUTPUT_DIR"
	EnvRedisURL        = "REDIS_URL"
)

// fileExists checks if a file or directory exists at the given path.
//
// Inputs:
//   - in: The path to the file or directory as a string.
//
// Outputs:
//   - bool: Returns true if the file exists, and false if it does not.
func fileExists(in string) bool {
	_, err := os.Stat(in)
	return !errors.Is(err, os.ErrNotExist)
}

// LoadConfig provides a hierarchical configuration loading mechanism. It first loads a
// base configuration file and then merges or overwrites its values with an environment-specific
// configuration file. The paths and environment are determined by environment variables.
// Missing files are skipped; a file that exists but does not decode is an error.
//
// Inputs:
//   - baseConfig: A pointer to the target configuration struct that will be populated
//     from the TOML files.
//
// Outputs:
//   - error: The decode failure, naming the offending file.
func LoadConfig(baseConfig any) error {
	configurationFilePrefix := os.Getenv(EnvConfigFilePrefix)
	if len(configurationFilePrefix) > 0 && !strings.HasSuffix(configurationFilePrefix, string(os.PathSeparator)) {
		configurationFilePrefix = configurationFilePrefix + string(os.PathSeparator)
	}

	// Default to "test" if the runtime is not set.
	runtimeEnvironment := os.Getenv(EnvConfigRuntime)
	if runtimeEnvironment == "" {
		runtimeEnvironment = "test"
	}

	baseConfigFileName := configurationFilePrefix + ConfigFileBaseName + ConfigFileExtension
	envConfigFileName := configurationFilePrefix + ConfigFileBaseName + ConfigSeparator + runtimeEnvironment + ConfigFileExtension

	for _, name := range []string{baseConfigFileName, envConfigFileName} {
		if !fileExists(name) {
			continue
		}
		// Values in the environment file overwrite those from the base file.
		if _, err := toml.DecodeFile(name, baseConfig); err != nil {
			return fmt.Errorf("failed to decode configuration file %s: %w", name, err)
		}
	}
	return nil
}

// ApplyEnvironment reads the optional dotenv file (variables already set in the
// process win) and copies the override variables into config.
//
// Inputs:
//   - config: The configuration loaded by LoadConfig.
//   - dotEnvFiles: Optional dotenv paths; DotEnvFile when empty.
//
// Outputs:
//   - error: A dotenv file that exists but cannot be parsed.
func ApplyEnvironment(config *Config, dotEnvFiles ...string) error {
	if len(dotEnvFiles) == 0 {
		dotEnvFiles = []string{DotEnvFile}
	}
	for _, name := range dotEnvFiles {
		if !fileExists(name) {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}

	overrides := []struct {
		name   string
		target *string
	}{
		{EnvProject, &config.Application.GoogleProjectId},
		{EnvLocation, &config.Application.GoogleLocation},
		{EnvCredentialsFile, &config.Application.CredentialsFile},
		{EnvGeminiAPIKey, &config.Application.GeminiAPIKey},
		{EnvOutputDir, &config.Output.Directory},
		{EnvRedisURL, &config.JobStore.RedisURL},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			*o.target = v
		}
	}
	return nil
}

// Load is the usual start-up sequence: a new Config, the TOML hierarchy, then the
// environment overrides.
func Load() (*Config, error) {
	config := NewConfig()
	if err := LoadConfig(config); err != nil {
		return nil, err
	}
	if err := ApplyEnvironment(config); err != nil {
		return nil, err
	}
	return config, nil
}

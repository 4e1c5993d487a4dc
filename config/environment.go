package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Environment is the deployment stage read from APP_ENV.
type Environment string

const (
	appEnvVar = "APP_ENV"

	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

var environmentAliases = map[string]Environment{
	"dev":   Development,
	"local": Development,
	"stag":  Staging,
	"stage": Staging,
	"prod":  Production,
}

// CurrentEnvironment normalises APP_ENV, defaulting to development.
// Unknown names pass through lowercased.
func CurrentEnvironment() Environment {
	name := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if name == "" {
		return Development
	}
	if env, ok := environmentAliases[name]; ok {
		return env
	}
	return Environment(name)
}

// Strict environments refuse config files with keys bookflow does not know,
// so a mistyped section cannot silently fall back to defaults.
func (e Environment) Strict() bool {
	return e == Staging || e == Production
}

// configFile returns the file for this environment next to defaultPath, so
// config.yml becomes config.production.yml. Development uses defaultPath.
func (e Environment) configFile(defaultPath string) string {
	if e == Development {
		return defaultPath
	}
	ext := filepath.Ext(defaultPath)
	return strings.TrimSuffix(defaultPath, ext) + "." + string(e) + ext
}

// resolveConfigPath picks the environment's file when path is empty or the
// default and that file exists. Explicit paths are kept.
func resolveConfigPath(path, defaultPath string, env Environment) string {
	if path == "" {
		path = defaultPath
	}
	if path != defaultPath {
		return path
	}
	if candidate := env.configFile(defaultPath); candidate != defaultPath {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return path
}

// AppEnvironment returns the normalised APP_ENV value.
func AppEnvironment() string {
	return string(CurrentEnvironment())
}

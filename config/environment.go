package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"dev":   environmentDevelopment,
	"prod":  environmentProduction,
	"stag":  environmentStaging,
	"stage": environmentStaging,
}

// AppEnvironment reads the application environment from APP_ENV, normalising
// common aliases. Defaults to development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike reports whether the environment should behave like a
// production deployment. Production and staging are stricter about
// configuration errors such as a missing bot token.
func IsProductionLike(env string) bool {
	switch env {
	case environmentProduction, environmentStaging:
		return true
	default:
		return false
	}
}

// ResolveConfigPath prefers an environment specific configuration file
// (config.production.yml next to the given path) when one exists on disk.
func ResolveConfigPath(path string) string {
	env := AppEnvironment()
	if env == environmentDevelopment {
		return path
	}

	base, ok := strings.CutSuffix(path, ".yml")
	if !ok {
		return path
	}
	envPath := fmt.Sprintf("%s.%s.yml", base, env)
	if _, err := os.Stat(envPath); err == nil {
		return envPath
	}
	return path
}

package config

import (
	"os"
	"strings"
)

// Environment is the deployment stage named by APP_ENV.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

const appEnvVar = "APP_ENV"

var environmentAliases = map[string]Environment{
	"":      Development,
	"dev":   Development,
	"local": Development,
	"stag":  Staging,
	"stage": Staging,
	"prod":  Production,
}

// ParseEnvironment canonicalizes an APP_ENV value. Unknown names are kept as
// given and behave like development.
func ParseEnvironment(raw string) Environment {
	env := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return Environment(env)
}

// CurrentEnvironment reads APP_ENV.
func CurrentEnvironment() Environment {
	return ParseEnvironment(os.Getenv(appEnvVar))
}

// ProductionLike is true for staging and production. Those stages log JSON,
// expose the status server on every interface and require the IP shard file.
func (e Environment) ProductionLike() bool {
	return e == Production || e == Staging
}

// configPath swaps the default config file for config/config.<env>.yml in
// production-like stages. An explicit path is always kept.
func (e Environment) configPath(path string) string {
	if path != "" && path != DefaultConfigPath {
		return path
	}
	if e.ProductionLike() {
		return "config/config." + string(e) + ".yml"
	}
	return DefaultConfigPath
}

// applyDefaults sets the stage dependent defaults before the file is read, so
// the file still wins.
func (e Environment) applyDefaults(cfg *Config) {
	if e.ProductionLike() {
		cfg.Logging.Format = "json"
		cfg.Status.Address = "0.0.0.0:8080"
		return
	}
	cfg.Logging.Format = "text"
	cfg.Logging.Level = "debug"
	cfg.Status.Address = "127.0.0.1:8080"
}

// Package config loads the process-wide configuration from the environment
// once at startup and hands it around as an immutable value.
package config

import (
	"os"
	"os/user"
	"strconv"
)

// Config is the frozen set of values every component needs. It is built once
// in main and passed explicitly rather than read from globals, per the
// design notes on environment variable sprawl.
type Config struct {
	CentralAPI      string `yaml:"central_api"`
	CentralAPIToken string `yaml:"central_api_token"`

	SRHost     string `yaml:"sr_host"`
	SRUser     string `yaml:"sr_user"`
	SRPassword string `yaml:"sr_password"`
	SRPort     int    `yaml:"sr_port"`

	PrometheusProtocol string `yaml:"prometheus_protocol"`
	PrometheusHost     string `yaml:"prometheus_host"`
	PrometheusPort     int    `yaml:"prometheus_port"`

	SSHUser    string `yaml:"ssh_user"`
	SSHKeyPath string `yaml:"ssh_key_path"`

	EnableLogging bool   `yaml:"enable_logging"`
	LogDir        string `yaml:"log_dir"`
}

// Load builds a Config from the environment, applying the defaults in
// spec.md §6.
func Load(installDir string) Config {
	cfg := Config{
		CentralAPI:         getEnv("CENTRAL_API", "http://localhost:80"),
		CentralAPIToken:    os.Getenv("CENTRAL_API_TOKEN"),
		SRHost:             getEnv("SR_HOST", "localhost"),
		SRUser:             getEnv("SR_USER", "root"),
		SRPassword:         os.Getenv("SR_PASSWORD"),
		SRPort:             getEnvInt("SR_PORT", 9030),
		PrometheusProtocol: getEnv("PROMETHEUS_PROTOCOL", "http"),
		PrometheusHost:     getEnv("PROMETHEUS_HOST", "localhost"),
		PrometheusPort:     getEnvInt("PROMETHEUS_PORT", 9090),
		SSHUser:            getEnv("SSH_USER", currentUser()),
		SSHKeyPath:         os.Getenv("SSH_KEY_PATH"),
		EnableLogging:      getEnv("ENABLE_LOGGING", "true") != "false",
		LogDir:             installDir + "/logs",
	}
	return cfg
}

// PrometheusBaseURL returns the fully qualified base URL of the local
// monitoring system.
func (c Config) PrometheusBaseURL() string {
	return c.PrometheusProtocol + "://" + c.PrometheusHost + ":" + strconv.Itoa(c.PrometheusPort)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func currentUser() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "root"
	}
	return u.Username
}

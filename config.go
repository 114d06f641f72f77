package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration. Flags override file values.
type Config struct {
	TCPAddr          string `yaml:"tcp_addr"`          // control + file channel
	UDPAddr          string `yaml:"udp_addr"`          // voice datagram channel
	HTTPAddr         string `yaml:"http_addr"`         // admin API + websocket ingress
	WebTransportAddr string `yaml:"webtransport_addr"` // browser ingress; empty disables
	WebTransportHost string `yaml:"webtransport_host"` // certificate hostname, defaults to chat-relay
	DefaultRoom      string `yaml:"default_room"`
	Debug            bool   `yaml:"debug"`
}

func defaultConfig() Config {
	return Config{
		TCPAddr:          ":5555",
		UDPAddr:          ":5556",
		HTTPAddr:         ":8080",
		WebTransportAddr: ":4433",
		DefaultRoom:      "lobby",
	}
}

// loadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.DefaultRoom == "" {
		cfg.DefaultRoom = "lobby"
	}
	return cfg, nil
}

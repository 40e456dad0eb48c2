// Copyright 2024 The ZeroTierOne Authors
// This file is part of the ZeroTierOne library.
//
// The ZeroTierOne library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ZeroTierOne library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ZeroTierOne library. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/pbicskei/ZeroTierOne/overlay"
)

// Config is the on-disk daemon configuration.
type Config struct {
	// Listen is the list of local UDP addresses to bind, "ip:port".
	Listen []string `yaml:"listen"`

	// IdentityFile holds the node's identity.secret.
	IdentityFile string `yaml:"identityFile"`

	// PeerCacheDir is the known-peers database directory. Empty keeps
	// the cache in memory only.
	PeerCacheDir string `yaml:"peerCacheDir"`

	// Roots designate the upstream nodes.
	Roots []RootConfig `yaml:"roots"`

	// Networks are the virtual networks to join.
	Networks []NetworkConfig `yaml:"networks"`

	// TrustedPaths marks physical networks where encryption and
	// authentication may be skipped. Use with care.
	TrustedPaths []TrustedPathConfig `yaml:"trustedPaths"`

	// STUNServer is queried on startup for this host's external UDP
	// address. "off" disables the lookup, empty uses the default server.
	STUNServer string `yaml:"stunServer"`

	Log LogConfig `yaml:"log"`
}

// RootConfig names a root by full public identity and seed addresses.
type RootConfig struct {
	Identity  string   `yaml:"identity"`
	Endpoints []string `yaml:"endpoints"`
}

// NetworkConfig describes one virtual network membership.
type NetworkConfig struct {
	ID      string   `yaml:"id"` // 16 hex digits
	Open    bool     `yaml:"open"`
	Members []string `yaml:"members"` // overlay addresses, closed networks
	Bridge  bool     `yaml:"bridge"`
}

// TrustedPathConfig binds a trusted path id and payload MTU to a
// physical CIDR. A zero MTU means the default.
type TrustedPathConfig struct {
	Network string `yaml:"network"`
	MTU     int    `yaml:"mtu"`
	ID      uint64 `yaml:"id"`
}

// LogConfig controls log output, level and rotation.
type LogConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	MaxSize  int    `yaml:"maxSizeMB"`
	MaxAge   int    `yaml:"maxAgeDays"`
	Backups  int    `yaml:"backups"`
	Compress bool   `yaml:"compress"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{"0.0.0.0:9993"}
	}
	if cfg.IdentityFile == "" {
		cfg.IdentityFile = "identity.secret"
	}
	return cfg, nil
}

// ParseNetworkID parses the 16 hex digit network id form.
func ParseNetworkID(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("network id must be 16 hex digits")
	}
	return strconv.ParseUint(s, 16, 64)
}

// setupLogging configures the process logger per the config, with
// rotation when a file is set.
func setupLogging(cfg LogConfig) *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.File != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.Backups,
			Compress:   cfg.Compress,
		})
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

// loadOrCreateIdentity reads identity.secret, generating and writing a
// new identity on first run.
func loadOrCreateIdentity(path string, log *logrus.Logger) (overlay.Identity, error) {
	if b, err := os.ReadFile(path); err == nil {
		return overlay.ParseIdentity(string(b))
	} else if !os.IsNotExist(err) {
		return overlay.Identity{}, err
	}
	id, err := overlay.GenerateIdentity()
	if err != nil {
		return overlay.Identity{}, err
	}
	if err := os.WriteFile(path, []byte(id.PrivateString()+"\n"), 0600); err != nil {
		return overlay.Identity{}, err
	}
	log.WithField("address", id.Address()).Info("Generated new identity")
	return id, nil
}

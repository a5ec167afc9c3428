/*
Outpost MTA - queue-first outbound mail relay.
Copyright © 2024 The Outpost MTA Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config loads the runtime configuration of both the master and
// the worker process: a config file (outpost.{yaml,toml,json}) merged
// with OUTPOST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/outpost-mta/outpost/internal/blob"
	"github.com/outpost-mta/outpost/internal/zones"
)

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BlobConfig struct {
	// "gridfs" or "s3".
	Backend string        `mapstructure:"backend"`
	S3      blob.S3Config `mapstructure:"s3"`
}

type DNSConfig struct {
	// Nameservers to query directly. Empty means the system resolver.
	Nameservers []string `mapstructure:"nameservers"`

	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`

	IgnoreIPv6 bool `mapstructure:"ignore_ipv6"`
	PreferIPv6 bool `mapstructure:"prefer_ipv6"`

	// CIDR ranges never dialed as destinations.
	Deny []string `mapstructure:"deny"`
}

// DenyNets parses the configured deny ranges.
func (c DNSConfig) DenyNets() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.Deny))
	for _, raw := range c.Deny {
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("config: bad deny range %q: %w", raw, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

type QueueConfig struct {
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	EmptyTTL     time.Duration `mapstructure:"empty_ttl"`
	DeleteDelay  time.Duration `mapstructure:"delete_delay"`
	BodyGrace    time.Duration `mapstructure:"body_grace"`
	MaxQueueTime time.Duration `mapstructure:"max_queue_time"`
	DisableGC    bool          `mapstructure:"disable_gc"`
}

type SuppressionConfig struct {
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

type Config struct {
	// Stable identity of this master in the shared queue store.
	Instance string `mapstructure:"instance"`

	// Hostname used in EHLO and as the reporting MTA of bounces.
	Hostname string `mapstructure:"hostname"`

	Debug bool `mapstructure:"debug"`

	APIListen string `mapstructure:"api_listen"`
	RPCListen string `mapstructure:"rpc_listen"`

	Mongo       MongoConfig       `mapstructure:"mongo"`
	Blob        BlobConfig        `mapstructure:"blob"`
	DNS         DNSConfig         `mapstructure:"dns"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Suppression SuppressionConfig `mapstructure:"suppression"`

	// Zone name -> definition. The name inside the definition is filled
	// from the map key.
	Zones       map[string]*zones.Zone `mapstructure:"zones"`
	DefaultZone string                 `mapstructure:"default_zone"`

	DomainDefaults  zones.DomainConfig            `mapstructure:"domain_defaults"`
	DomainOverrides map[string]zones.DomainConfig `mapstructure:"domains"`
}

// ZoneSet builds the routing table from the configured zones. A default
// zone is synthesized when none is configured.
func (c *Config) ZoneSet() (*zones.Set, error) {
	zoneList := make([]*zones.Zone, 0, len(c.Zones))
	for name, zone := range c.Zones {
		zone.Name = name
		zoneList = append(zoneList, zone)
	}
	if len(zoneList) == 0 {
		zoneList = append(zoneList, &zones.Zone{Name: zones.DefaultZoneName})
	}
	return zones.NewSet(zoneList, c.DefaultZone, c.DomainDefaults, c.DomainOverrides)
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	v.SetDefault("instance", hostname)
	v.SetDefault("hostname", hostname)

	v.SetDefault("api_listen", "127.0.0.1:12080")
	v.SetDefault("rpc_listen", "127.0.0.1:12081")

	v.SetDefault("mongo.uri", "mongodb://127.0.0.1:27017")
	v.SetDefault("mongo.database", "outpost")

	v.SetDefault("blob.backend", "gridfs")

	v.SetDefault("dns.cache_size", 1024)
	v.SetDefault("dns.cache_ttl", 5*time.Minute)

	v.SetDefault("queue.lock_ttl", time.Hour)
	v.SetDefault("queue.empty_ttl", 5*time.Second)
	v.SetDefault("queue.delete_delay", 30*time.Second)
	v.SetDefault("queue.body_grace", 10*time.Minute)

	v.SetDefault("suppression.reload_interval", time.Minute)
}

// Load reads the config file (optional; path overrides the search) and
// the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("outpost")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/outpost")
	}
	v.SetEnvPrefix("OUTPOST")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.Blob.Backend != "gridfs" && cfg.Blob.Backend != "s3" {
		return nil, fmt.Errorf("config: unknown blob backend %q", cfg.Blob.Backend)
	}
	if _, err := cfg.DNS.DenyNets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Package config loads the relay's environment-variable configuration
// (§6), generalizing the teacher's pkg/config YAML+viper loader into a
// pure env-var reader matching the variable names of §6 exactly.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full set of environment-configured parameters (§6).
type Config struct {
	DatabaseURL     string
	SlotName        string
	PublicationName string
	Tables          []string

	StarRocksURL  string
	StarRocksPort int
	StarRocksDB   string
	StarRocksUser string
	StarRocksPass string

	// SinkType selects the registered sink.Sink implementation the engine
	// forwards batches to (§4.6). "starrocks" (the default) is wired
	// directly in internal/engine using the StarRocks* fields above; any
	// other registered name (kafka, clickhouse, nats, mqtt) is constructed
	// via sink.New(SinkType, SinkDSN).
	SinkType string
	SinkDSN  string

	FlushSize       int
	FlushIntervalMS int

	GRPCPort int
}

// Load reads the environment into a Config, applying the defaults named in
// §6. It fails when DATABASE_URL, STARROCKS_URL or STARROCKS_DB is unset, or
// when SINK_TYPE is not starrocks and SINK_DSN is unset.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SLOT_NAME", "dbmazz_slot")
	v.SetDefault("PUBLICATION_NAME", "dbmazz_pub")
	v.SetDefault("TABLES", "orders,order_items")
	v.SetDefault("STARROCKS_PORT", 9030)
	v.SetDefault("STARROCKS_USER", "root")
	v.SetDefault("STARROCKS_PASS", "")
	v.SetDefault("SINK_TYPE", "starrocks")
	v.SetDefault("FLUSH_SIZE", 10000)
	v.SetDefault("FLUSH_INTERVAL_MS", 5000)
	v.SetDefault("GRPC_PORT", 50051)

	for _, key := range []string{
		"DATABASE_URL", "SLOT_NAME", "PUBLICATION_NAME", "TABLES",
		"STARROCKS_URL", "STARROCKS_PORT", "STARROCKS_DB", "STARROCKS_USER",
		"STARROCKS_PASS", "SINK_TYPE", "SINK_DSN", "FLUSH_SIZE",
		"FLUSH_INTERVAL_MS", "GRPC_PORT",
	} {
		_ = v.BindEnv(key)
	}

	databaseURL := v.GetString("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	starrocksURL := v.GetString("STARROCKS_URL")
	if starrocksURL == "" {
		return nil, fmt.Errorf("config: STARROCKS_URL is required")
	}
	starrocksDB := v.GetString("STARROCKS_DB")
	if starrocksDB == "" {
		return nil, fmt.Errorf("config: STARROCKS_DB is required")
	}

	tables := splitCSV(v.GetString("TABLES"))

	sinkType := v.GetString("SINK_TYPE")
	sinkDSN := v.GetString("SINK_DSN")
	if sinkType != "starrocks" && sinkDSN == "" {
		return nil, fmt.Errorf("config: SINK_DSN is required when SINK_TYPE is %q", sinkType)
	}

	return &Config{
		DatabaseURL:     databaseURL,
		SlotName:        v.GetString("SLOT_NAME"),
		PublicationName: v.GetString("PUBLICATION_NAME"),
		Tables:          tables,
		StarRocksURL:    starrocksURL,
		StarRocksPort:   v.GetInt("STARROCKS_PORT"),
		StarRocksDB:     starrocksDB,
		StarRocksUser:   v.GetString("STARROCKS_USER"),
		StarRocksPass:   v.GetString("STARROCKS_PASS"),
		SinkType:        sinkType,
		SinkDSN:         sinkDSN,
		FlushSize:       v.GetInt("FLUSH_SIZE"),
		FlushIntervalMS: v.GetInt("FLUSH_INTERVAL_MS"),
		GRPCPort:        v.GetInt("GRPC_PORT"),
	}, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

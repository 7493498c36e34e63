// Package config loads the service configuration from the
// environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type CacheCfg struct {
	Backend      string // memory or redis
	Size         int
	OpTimeout    time.Duration
	TTLDefault   time.Duration
	TTLOverrides map[string]time.Duration
	RedisAddr    string
	RedisPrefix  string
}

type HotnessCfg struct {
	Enabled       bool
	Res           int
	HalfLife      time.Duration
	HotThreshold  float64
	WarmThreshold float64
	TTLCold       time.Duration
	TTLWarm       time.Duration
	TTLHot        time.Duration
}

type InvalidationCfg struct {
	Enabled bool
	Brokers string
	Topic   string
	GroupID string
}

type EventsCfg struct {
	Enabled bool
	Brokers string
	Topic   string
}

type InteractionCfg struct {
	DragThresholdPx float64
	ClickGuard      time.Duration
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool

	LayersFile   string
	UpstreamURL  string
	QueryTimeout time.Duration
	PageSize     int
	MaxRecords   int

	BroadZoom    int
	MidZoom      int
	ExpandFrac   float64
	ExpandMeters float64

	Interaction  InteractionCfg
	Cache        CacheCfg
	Hotness      HotnessCfg
	Invalidation InvalidationCfg
	Events       EventsCfg
}

func FromEnv() Config {
	ttlDefault := getduration("CACHE_TTL_DEFAULT", 60*time.Second)
	brokers := getenv("KAFKA_BROKERS", "localhost:9092")

	res := getint("HOTNESS_H3_RES", 8)
	if res < 0 {
		res = 0
	}
	if res > 15 {
		res = 15
	}

	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),

		LayersFile:   getenv("LAYERS_FILE", "layers.yaml"),
		UpstreamURL:  getenv("UPSTREAM_URL", "http://localhost:8080/features"),
		QueryTimeout: getduration("QUERY_TIMEOUT", 12*time.Second),
		PageSize:     getint("PAGE_SIZE", 100),
		MaxRecords:   getint("MAX_RECORDS", 1000),

		BroadZoom:    getint("BROAD_ZOOM", 10),
		MidZoom:      getint("MID_ZOOM", 14),
		ExpandFrac:   getfloat("EXPAND_FRACTION", 0.10),
		ExpandMeters: getfloat("EXPAND_METERS", 100),

		Interaction: InteractionCfg{
			DragThresholdPx: getfloat("DRAG_THRESHOLD_PX", 10),
			ClickGuard:      getduration("CLICK_GUARD", 100*time.Millisecond),
		},

		Cache: CacheCfg{
			Backend:      strings.ToLower(getenv("CACHE_BACKEND", "memory")),
			Size:         getint("CACHE_SIZE", 1024),
			OpTimeout:    getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
			TTLDefault:   ttlDefault,
			TTLOverrides: parseDurationMap(getenv("CACHE_TTL_OVERRIDES", "")),
			RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
			RedisPrefix:  getenv("REDIS_PREFIX", "select"),
		},

		Hotness: HotnessCfg{
			Enabled:       getbool("HOTNESS_ENABLED", true),
			Res:           res,
			HalfLife:      getduration("HOTNESS_HALF_LIFE", time.Minute),
			HotThreshold:  getfloat("HOTNESS_HOT_THRESHOLD", 10.0),
			WarmThreshold: getfloat("HOTNESS_WARM_THRESHOLD", 3.0),
			TTLCold:       getduration("HOTNESS_TTL_COLD", ttlDefault/2),
			TTLWarm:       getduration("HOTNESS_TTL_WARM", ttlDefault),
			TTLHot:        getduration("HOTNESS_TTL_HOT", 2*ttlDefault),
		},

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Brokers: brokers,
			Topic:   getenv("KAFKA_TOPIC", "layer-invalidation"),
			GroupID: getenv("KAFKA_GROUP_ID", "select-invalidator"),
		},

		Events: EventsCfg{
			Enabled: getbool("EVENTS_ENABLED", false),
			Brokers: brokers,
			Topic:   getenv("EVENTS_TOPIC", "selection-events"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "layer=5m,other=30s" into map
func parseDurationMap(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	parts := strings.SplitSeq(s, ",")
	for p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			out[k] = d
		}
	}
	return out
}

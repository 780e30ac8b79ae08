package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Per-dependency defaults. Anything not listed uses DefaultSettings.
var dependencyDefaults = map[string]Settings{
	"llm":    {HalfOpenTrials: 2, Window: 60 * time.Second, Cooldown: 20 * time.Second, TripAfter: 3, CloseAfter: 1},
	"qdrant": {HalfOpenTrials: 3, Window: 30 * time.Second, Cooldown: 15 * time.Second, TripAfter: 3, CloseAfter: 2},
	"search": {HalfOpenTrials: 2, Window: 30 * time.Second, Cooldown: 30 * time.Second, TripAfter: 3, CloseAfter: 1},
	"redis":  {HalfOpenTrials: 5, Window: 30 * time.Second, Cooldown: 15 * time.Second, TripAfter: 3, CloseAfter: 2},
	"db":     {HalfOpenTrials: 3, Window: 60 * time.Second, Cooldown: 30 * time.Second, TripAfter: 5, CloseAfter: 2},
}

var (
	overridesMu sync.RWMutex
	overrides   = map[string]Settings{}
)

// Override merges the non-zero fields of s into the defaults for dep.
// Breakers created afterwards pick them up; CB_* env vars still win.
func Override(dep string, s Settings) {
	overridesMu.Lock()
	defer overridesMu.Unlock()
	overrides[strings.ToLower(dep)] = s
}

func merge(base, o Settings) Settings {
	if o.HalfOpenTrials > 0 {
		base.HalfOpenTrials = o.HalfOpenTrials
	}
	if o.Window > 0 {
		base.Window = o.Window
	}
	if o.Cooldown > 0 {
		base.Cooldown = o.Cooldown
	}
	if o.TripAfter > 0 {
		base.TripAfter = o.TripAfter
	}
	if o.CloseAfter > 0 {
		base.CloseAfter = o.CloseAfter
	}
	return base
}

// SettingsFor returns the settings for dep, overridden by CB_<DEP>_* env vars:
// CB_<DEP>_HALF_OPEN_TRIALS, CB_<DEP>_WINDOW, CB_<DEP>_COOLDOWN,
// CB_<DEP>_TRIP_AFTER and CB_<DEP>_CLOSE_AFTER.
func SettingsFor(dep string) Settings {
	s, ok := dependencyDefaults[strings.ToLower(dep)]
	if !ok {
		s = DefaultSettings()
	}
	overridesMu.RLock()
	if o, ok := overrides[strings.ToLower(dep)]; ok {
		s = merge(s, o)
	}
	overridesMu.RUnlock()
	prefix := "CB_" + strings.ToUpper(strings.ReplaceAll(dep, "-", "_")) + "_"
	s.HalfOpenTrials = envUint32(prefix+"HALF_OPEN_TRIALS", s.HalfOpenTrials)
	s.Window = envDuration(prefix+"WINDOW", s.Window)
	s.Cooldown = envDuration(prefix+"COOLDOWN", s.Cooldown)
	s.TripAfter = envUint32(prefix+"TRIP_AFTER", s.TripAfter)
	s.CloseAfter = envUint32(prefix+"CLOSE_AFTER", s.CloseAfter)
	return s
}

func envUint32(key string, def uint32) uint32 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(n)
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

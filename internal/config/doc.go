// Package config provides loading and environment overlay for relay's
// backend configuration. It exposes a Default() baseline, JSON file loading
// and RELAY_* environment overrides.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/relay.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	rt, _ := runtime.Open(runtime.Options{DataDir: "/var/lib/relay", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
package config

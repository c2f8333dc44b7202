package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "0.0.0.0:8080")
	v.SetDefault("debug", false)
	v.SetDefault("agent", "ScalaWebMiner/1.0")
	v.SetDefault("default_pool", "scala")
	v.SetDefault("strict_target", false)

	v.SetDefault("heartbeat.interval", "60s")
	v.SetDefault("heartbeat.stale_timeout", "15m")
	v.SetDefault("heartbeat.stuck_grace", "2m")
	v.SetDefault("heartbeat.correlation_ttl", "5m")

	v.SetDefault("upstream.keepalive_interval", "120s")
	v.SetDefault("upstream.read_idle_timeout", "60s")
	v.SetDefault("upstream.backoff_base", "5s")
	v.SetDefault("upstream.backoff_max", "120s")
	v.SetDefault("upstream.backoff_growth", 1.5)
	v.SetDefault("upstream.backoff_jitter", "2s")
	v.SetDefault("upstream.max_reconnect_tries", 5)

	v.SetDefault("socks.enabled", false)
}

// builtinPools is the pool table used when the config file defines none.
func builtinPools() map[string]PoolDescriptor {
	return map[string]PoolDescriptor{
		"scala": {
			Name:      "Scala Project Official Pool",
			Host:      "mine.scalaproject.io",
			Port:      3333,
			Algorithm: "panthera",
			Protocol:  "cryptonote",
		},
		"herominers": {
			Name:      "HeroMiners Scala Pool",
			Host:      "scala.herominers.com",
			Port:      10130,
			Algorithm: "panthera",
			Protocol:  "cryptonote",
		},
		"fairpool": {
			Name:      "FairPool Scala",
			Host:      "scala.fairpool.xyz",
			Port:      4455,
			Algorithm: "panthera",
			Protocol:  "cryptonote",
		},
	}
}

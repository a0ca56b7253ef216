package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads daemon configuration from defaults, an optional YAML file and
// LPA_-prefixed environment variables, in increasing precedence.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("lpad")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/lpad")
	}

	// Environment variable support: LPA_SUSPEND_WAIT=10s
	v.SetEnvPrefix("LPA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}

// SetDefaults installs the daemon defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.listen", ":9108")
	v.SetDefault("link.interface", "wlan0")
	v.SetDefault("link.memory_transport", false)
	v.SetDefault("simulate", false)

	v.SetDefault("mqtt.topic_prefix", "lpad")
	v.SetDefault("mqtt.ha_discovery", false)

	v.SetDefault("suspend.wait", "5s")
	v.SetDefault("suspend.inactive_interval", "2s")
	v.SetDefault("suspend.inactive_window", "500ms")
	v.SetDefault("suspend.pause", "1s")

	v.SetDefault("offloads.order", []string{"arp", "tko", "nko", "tlsko", "wowl", "nullko"})

	v.SetDefault("offloads.arp.enabled", true)
	v.SetDefault("offloads.arp.peerage", "1200s")
	v.SetDefault("offloads.arp.awake_flags", []string{"snoop"})
	v.SetDefault("offloads.arp.sleep_flags", []string{"snoop", "host_auto_reply", "peer_auto_reply"})

	v.SetDefault("offloads.tko.enabled", false)
	v.SetDefault("offloads.tko.interval", "20s")
	v.SetDefault("offloads.tko.retry_interval", "3s")
	v.SetDefault("offloads.tko.retry_count", 3)

	v.SetDefault("offloads.nko.enabled", false)
	v.SetDefault("offloads.nko.interval", "60s")

	v.SetDefault("offloads.tlsko.enabled", false)
	v.SetDefault("offloads.tlsko.interval", "60s")
	v.SetDefault("offloads.tlsko.from_mqtt", false)

	v.SetDefault("offloads.wowl.enabled", false)
	v.SetDefault("offloads.wowl.magic", true)

	v.SetDefault("offloads.nullko.enabled", false)
	v.SetDefault("offloads.nullko.interval", "60s")
}

package adapter

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/iflabx/opencane-gateway/internal/config"
)

// Build constructs the adapter named by cfg.Adapter. For the generic MQTT
// adapter a DEVICE_PROFILE_FILE override is applied and watched for hot
// reload; the returned cleanup stops the watcher and is always non-nil.
func Build(cfg *config.Config, log zerolog.Logger) (Adapter, func(), error) {
	noop := func() {}
	switch normalizeName(cfg.Adapter) {
	case "websocket", "ws":
		return NewWebSocketAdapter(
			cfg.WSHost, cfg.WSPort, cfg.WSRequireToken, cfg.WSToken,
			cfg.PacketMagic, log), noop, nil

	case "ec600":
		return NewEC600Adapter(cfg.MQTT, cfg.PacketMagic, log), noop, nil

	case "generic_mqtt", "generic":
		profile, err := ResolveProfile(cfg.DeviceProfile)
		if err != nil {
			return nil, noop, err
		}
		mqttCfg := applyProfileTransportDefaults(cfg.MQTT, profile)
		if cfg.DeviceProfileFile != "" {
			merged, err := LoadProfileFile(profile, cfg.DeviceProfileFile)
			if err != nil {
				return nil, noop, fmt.Errorf("load device profile file: %w", err)
			}
			a := NewGenericAdapter(mqttCfg, merged, log)
			stop, err := WatchProfileFile(profile, cfg.DeviceProfileFile, log, a.ApplyProfile)
			if err != nil {
				log.Warn().Err(err).Msg("profile hot reload unavailable")
				return a, noop, nil
			}
			return a, stop, nil
		}
		return NewGenericAdapter(mqttCfg, profile, log), noop, nil

	case "mock":
		return NewMockAdapter(cfg.PacketMagic), noop, nil
	}
	return nil, noop, fmt.Errorf("unknown adapter %q", cfg.Adapter)
}

// applyProfileTransportDefaults lets a profile tune transport timings when
// the operator kept the config defaults.
func applyProfileTransportDefaults(mqttCfg config.MQTTConfig, profile DeviceProfile) config.MQTTConfig {
	if profile.Keepalive > 0 {
		mqttCfg.Keepalive = profile.Keepalive
	}
	if profile.ReconnectMin > 0 {
		mqttCfg.ReconnectMin = profile.ReconnectMin
	}
	if profile.ReconnectMax > 0 {
		mqttCfg.ReconnectMax = profile.ReconnectMax
	}
	return mqttCfg
}

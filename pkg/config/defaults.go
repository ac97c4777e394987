package config

import "time"

// ApplyDefaults fills unset fields with their defaults. Explicit
// values are preserved; only zero values are replaced.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "dittodds"
	}

	if cfg.Network.Interface == "" {
		cfg.Network.Interface = "0.0.0.0"
	}
	if cfg.Network.PortBase == 0 {
		cfg.Network.PortBase = 7400
	}
	if cfg.Network.MulticastGroup == "" {
		cfg.Network.MulticastGroup = "239.255.0.1"
	}

	if cfg.Protocol.HeartbeatPeriod == 0 {
		cfg.Protocol.HeartbeatPeriod = 200 * time.Millisecond
	}
	if cfg.Protocol.HeartbeatResponseDelay == 0 {
		cfg.Protocol.HeartbeatResponseDelay = 5 * time.Millisecond
	}
	if cfg.Protocol.SpdpResendPeriod == 0 {
		cfg.Protocol.SpdpResendPeriod = 5 * time.Second
	}
	if cfg.Protocol.LeaseDuration == 0 {
		cfg.Protocol.LeaseDuration = 100 * time.Second
	}
	if cfg.Protocol.TickInterval == 0 {
		cfg.Protocol.TickInterval = 50 * time.Millisecond
	}
	if cfg.Protocol.DataMaxSizeSerialized == 0 {
		cfg.Protocol.DataMaxSizeSerialized = 16 * 1024
	}
	if cfg.Protocol.FragmentSize == 0 {
		cfg.Protocol.FragmentSize = 16 * 1024
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9465"
	}
	if cfg.API.Address == "" {
		cfg.API.Address = "127.0.0.1:8460"
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

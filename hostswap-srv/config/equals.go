package config

// HasChanged returns true if the configuration has changed compared to another config.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	return len(ChangedFields(a, b)) > 0
}

// ChangedFields lists the config keys whose values differ between a and b.
// This implementation explicitly compares all fields without using reflection.
func ChangedFields(a, b *Config) []string {
	var changed []string
	if a.Port != b.Port {
		changed = append(changed, "port")
	}
	if a.TargetHost != b.TargetHost {
		changed = append(changed, "targetHost")
	}
	if a.SourceHost != b.SourceHost {
		changed = append(changed, "sourceHost")
	}
	if a.LogLevel != b.LogLevel {
		changed = append(changed, "logLevel")
	}
	if a.TimeoutMs != b.TimeoutMs {
		changed = append(changed, "timeout")
	}
	if a.UserAgent != b.UserAgent {
		changed = append(changed, "userAgent")
	}
	if a.SanitizeAllResponses != b.SanitizeAllResponses {
		changed = append(changed, "sanitizeAllResponses")
	}
	if a.UpstreamProxy != b.UpstreamProxy {
		changed = append(changed, "upstreamProxy")
	}
	if a.MetricsAddress != b.MetricsAddress {
		changed = append(changed, "metricsAddress")
	}
	if a.Statistics != b.Statistics {
		changed = append(changed, "statistics")
	}
	return changed
}

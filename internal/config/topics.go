package config

import "github.com/smartbuket/sb-analytics/internal/domain"

// Topics assembles the configured routing keys.
func (c *Config) Topics() domain.Topics {
	return domain.Topics{
		Raw:     c.TopicRaw,
		Geo:     c.TopicGeo,
		License: c.TopicLicense,
		Session: c.TopicSession,
		Screen:  c.TopicScreen,
		UI:      c.TopicUI,
		System:  c.TopicSystem,
		DLQ:     c.TopicDLQ,
	}
}

package domain

import "strings"

// Topics holds the routing keys of the topic exchange. Values come from
// configuration; the zero value is unusable on purpose.
type Topics struct {
	Raw     string
	Geo     string
	License string
	Session string
	Screen  string
	UI      string
	System  string
	DLQ     string
}

// DefaultTopics matches the exchange layout the publisher declares.
func DefaultTopics() Topics {
	return Topics{
		Raw:     "sb.events.raw",
		Geo:     "sb.events.geo",
		License: "sb.events.license",
		Session: "sb.events.session",
		Screen:  "sb.events.screen",
		UI:      "sb.events.ui",
		System:  "sb.events.system",
		DLQ:     "sb.events.dlq",
	}
}

// Route returns the routing keys an event fans out to: the raw copy always,
// plus at most one family key selected by event_name prefix.
func (t Topics) Route(eventName string) []string {
	keys := []string{t.Raw}
	switch {
	case strings.HasPrefix(eventName, "geo."):
		keys = append(keys, t.Geo)
	case strings.HasPrefix(eventName, "license."):
		keys = append(keys, t.License)
	case strings.HasPrefix(eventName, "session."):
		keys = append(keys, t.Session)
	case strings.HasPrefix(eventName, "screen."):
		keys = append(keys, t.Screen)
	case strings.HasPrefix(eventName, "ui."):
		keys = append(keys, t.UI)
	case strings.HasPrefix(eventName, "system."):
		keys = append(keys, t.System)
	}
	return keys
}

// Family names the consumer family a routing key belongs to. Used to
// namespace the processed_events ledger per queue.
func (t Topics) Family(routingKey string) string {
	switch routingKey {
	case t.Geo:
		return "geo"
	case t.License:
		return "license"
	case t.Session:
		return "session"
	case t.Screen:
		return "screen"
	case t.UI:
		return "ui"
	case t.System:
		return "system"
	case t.DLQ:
		return "dlq"
	default:
		return "raw"
	}
}

// QueueFor maps a routing key to its bound durable queue name.
func QueueFor(routingKey string) string {
	return routingKey + ".q"
}

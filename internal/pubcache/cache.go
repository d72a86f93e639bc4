// Package pubcache implements the per-property last-known-value cache
// and change-driven publish economy (spec component F): a property is
// republished only when its value changes, and a registered change
// hook fires alongside the publish (used by the AT dialect to
// re-evaluate brand/model quirks).
package pubcache

// Publisher is the narrow broker-facing interface the cache needs;
// internal/brokerio implements it against the real MQTT client.
type Publisher interface {
	Publish(topic, value string, retain bool)
}

type value struct {
	text    string
	present bool
}

// Cache tracks the last published value of every topic suffix for one
// device, relative to that device's configured prefix.
type Cache struct {
	pub    Publisher
	values map[string]value
	hooks  map[string][]func(old, new string, present bool)
}

// New returns an empty cache publishing through pub.
func New(pub Publisher) *Cache {
	return &Cache{pub: pub, values: make(map[string]value), hooks: make(map[string][]func(string, string, bool))}
}

// OnChange registers a hook invoked after any publish that actually
// changes topic's cached value (including the transition to/from
// absent). Multiple hooks may be registered per topic; they run in
// registration order.
func (c *Cache) OnChange(topic string, hook func(old, new string, present bool)) {
	c.hooks[topic] = append(c.hooks[topic], hook)
}

// PublishIfChanged updates the cache and emits a broker publish only
// when value differs from what is cached for topic. An absent value
// (present=false) and a present empty string are distinct cache states.
// A topic with no cached value is always published, even when the new
// value is absent.
func (c *Cache) PublishIfChanged(topic, text string, present, retain bool) {
	old, existed := c.values[topic]
	if existed && old.present == present && old.text == text {
		return
	}
	c.values[topic] = value{text: text, present: present}

	payload := text
	if !present {
		payload = ""
	}
	c.pub.Publish(topic, payload, retain)

	oldText := ""
	if existed {
		oldText = old.text
	}
	for _, hook := range c.hooks[topic] {
		hook(oldText, text, present)
	}
}

// Get returns the cached value for topic and whether it is present.
func (c *Cache) Get(topic string) (string, bool) {
	v, ok := c.values[topic]
	if !ok {
		return "", false
	}
	return v.text, v.present
}

// Clear publishes an absent value for topic, unless its cached value is
// already absent; a topic with no cached value is published. Used for URCs that invalidate a whole family of properties
// (e.g. "+SIMCARD: NOT AVAILABLE") and for shutdown cleanup.
func (c *Cache) Clear(topic string, retain bool) {
	c.PublishIfChanged(topic, "", false, retain)
}

// Topics returns every topic suffix the cache currently has a value
// for (present or absent), primarily for shutdown cleanup.
func (c *Cache) Topics() []string {
	out := make([]string, 0, len(c.values))
	for t := range c.values {
		out = append(out, t)
	}
	return out
}

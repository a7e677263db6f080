package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// InterviewChanged is true when any per-session default changed.
	// Active sessions keep the values they started with; the new defaults
	// apply to sessions started after the reload.
	InterviewChanged bool

	// JobChanged is true when the role profile changed. Applied the same
	// way as interview defaults: next session onward.
	JobChanged bool

	TiersChanged bool       // true if any channel's tier list changed
	TierChanges  []TierDiff // per-tier diffs
}

// TierDiff describes what changed for a single provider tier between two configs.
type TierDiff struct {
	Channel      string // "input", "output" or "video"
	Name         string
	Added        bool
	Removed      bool
	EntryChanged bool // credentials, endpoint, model or options changed
	RankChanged  bool // position in the priority list moved
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Per-session defaults
	if old.Interview != new.Interview {
		d.InterviewChanged = true
	}
	if !reflect.DeepEqual(old.Job, new.Job) {
		d.JobChanged = true
	}

	// Provider tiers per channel
	for _, channel := range []string{ChannelInput, ChannelOutput, ChannelVideo} {
		changes := diffTiers(channel, tiersFor(old, channel), tiersFor(new, channel))
		if len(changes) > 0 {
			d.TierChanges = append(d.TierChanges, changes...)
			d.TiersChanged = true
		}
	}

	return d
}

// diffTiers compares one channel's tier lists, keyed by tier name.
func diffTiers(channel string, old, new []ProviderEntry) []TierDiff {
	oldIdx := make(map[string]int, len(old))
	for i := range old {
		oldIdx[old[i].Name] = i
	}
	newIdx := make(map[string]int, len(new))
	for i := range new {
		newIdx[new[i].Name] = i
	}

	var changes []TierDiff

	// Detect modified and removed tiers.
	for i := range old {
		name := old[i].Name
		j, exists := newIdx[name]
		if !exists {
			changes = append(changes, TierDiff{
				Channel: channel,
				Name:    name,
				Removed: true,
			})
			continue
		}
		td := TierDiff{Channel: channel, Name: name}
		if !entriesEqual(old[i], new[j]) {
			td.EntryChanged = true
		}
		if i != j {
			td.RankChanged = true
		}
		if td.EntryChanged || td.RankChanged {
			changes = append(changes, td)
		}
	}

	// Detect added tiers.
	for i := range new {
		if _, exists := oldIdx[new[i].Name]; !exists {
			changes = append(changes, TierDiff{
				Channel: channel,
				Name:    new[i].Name,
				Added:   true,
			})
		}
	}

	return changes
}

// entriesEqual compares two provider entries. Options maps are compared
// deeply since YAML decodes nested values into them.
func entriesEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	return reflect.DeepEqual(a.Options, b.Options)
}

// Package parammap resolves a bare parameter name to a backend measurand
// id, per station type, case-insensitively.
package parammap

import "strings"

// mainMeasurandIDKey is the one synthetic key that never falls back to the
// "default" station-type entry, per the parameter map contract.
const mainMeasurandIDKey = "__main_measurand_id__"

// Map is a configuration-defined parameter-name -> station-type ->
// backend-id table. Keys are stored lower-cased so lookups are
// case-insensitive without repeated folding at call sites.
type Map struct {
	entries map[string]map[string]int
}

// New builds a Map from raw configuration entries: parameter name ->
// station type -> backend measurand id.
func New(raw map[string]map[string]int) *Map {
	m := &Map{entries: make(map[string]map[string]int, len(raw))}
	for name, byType := range raw {
		folded := make(map[string]int, len(byType))
		for stype, id := range byType {
			folded[strings.ToLower(stype)] = id
		}
		m.entries[strings.ToLower(name)] = folded
	}
	return m
}

// Resolve returns the backend measurand id for name under stationType,
// falling back to the "default" station-type entry when no type-specific
// entry exists. ok is false when no id could be resolved at all.
func (m *Map) Resolve(name, stationType string) (id int, ok bool) {
	byType, present := m.entries[strings.ToLower(name)]
	if !present {
		return 0, false
	}
	if id, ok := byType[strings.ToLower(stationType)]; ok {
		return id, true
	}
	if id, ok := byType["default"]; ok {
		return id, true
	}
	return 0, false
}

// NamesForType returns every parameter name that resolves for
// stationType, either through a type-specific entry or the "default"
// fallback — used by the obsparameters auxiliary endpoint to list a
// producer's available parameters.
func (m *Map) NamesForType(stationType string) []string {
	stationType = strings.ToLower(stationType)
	var names []string
	for name, byType := range m.entries {
		if name == mainMeasurandIDKey {
			continue
		}
		if _, ok := byType[stationType]; ok {
			names = append(names, name)
			continue
		}
		if _, ok := byType["default"]; ok {
			names = append(names, name)
		}
	}
	return names
}

// MainMeasurandID returns the id registered under the synthetic "main
// measurand id" key for stationType. Unlike Resolve, this key never falls
// back to "default" — every station type must configure it explicitly.
func (m *Map) MainMeasurandID(stationType string) (id int, ok bool) {
	byType, present := m.entries[mainMeasurandIDKey]
	if !present {
		return 0, false
	}
	id, ok = byType[strings.ToLower(stationType)]
	return id, ok
}

// MainMeasurandIDKey exposes the synthetic key name so configuration
// loaders can populate it explicitly.
func MainMeasurandIDKey() string { return mainMeasurandIDKey }

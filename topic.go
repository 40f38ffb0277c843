package mqcore

import (
	"strings"
	"unicode/utf8"
)

// Name is a parsed MQTT topic name: non-empty, wildcard-free, split into
// levels by '/'. Adjacent separators produce legal zero-length levels.
type Name struct {
	raw    string
	levels []string
}

// String returns the original topic name.
func (n Name) String() string { return n.raw }

// Filter is a parsed MQTT topic filter, which may contain the single-level
// wildcard '+' and the multi-level wildcard '#' per MQTT v5 §4.7.
type Filter struct {
	raw    string
	levels []string
}

// String returns the original topic filter.
func (f Filter) String() string { return f.raw }

// ParseName validates s as an MQTT topic name (§3: non-empty UTF-8, no
// wildcards) and returns its level decomposition.
func ParseName(s string) (Name, error) {
	if s == "" {
		return Name{}, NewError(KindEmpty, "topic name must not be empty")
	}
	if !utf8.ValidString(s) {
		return Name{}, NewError(KindHeaderInvalid, "topic name is not valid UTF-8")
	}
	if strings.ContainsAny(s, "+#") {
		return Name{}, NewError(KindWildcardInName, "topic name must not contain wildcards")
	}
	return Name{raw: s, levels: strings.Split(s, "/")}, nil
}

// ParseFilter validates s as an MQTT topic filter (§3/§4.1) and returns its
// level decomposition. '+' must occupy a whole level; '#' must be the whole
// last level.
func ParseFilter(s string) (Filter, error) {
	if s == "" {
		return Filter{}, NewError(KindEmpty, "topic filter must not be empty")
	}
	if !utf8.ValidString(s) {
		return Filter{}, NewError(KindHeaderInvalid, "topic filter is not valid UTF-8")
	}
	levels := strings.Split(s, "/")
	for i, level := range levels {
		if strings.Contains(level, "+") && level != "+" {
			return Filter{}, NewError(KindWildcardNotAlone, "'+' must occupy an entire topic level")
		}
		if strings.Contains(level, "#") {
			if level != "#" {
				return Filter{}, NewError(KindWildcardNotAlone, "'#' must occupy an entire topic level")
			}
			if i != len(levels)-1 {
				return Filter{}, NewError(KindWildcardNotLast, "'#' must be the last level")
			}
		}
	}
	return Filter{raw: s, levels: levels}, nil
}

// Matches reports whether name satisfies filter, per MQTT v5 §4.7: a literal
// level must match exactly, '+' matches exactly one level, and '#' matches
// the remaining suffix including zero further levels. A filter's level count
// must otherwise equal the name's.
//
// As with the broker-side matching rule (MQTT-4.7.2-1), a filter beginning
// with a wildcard never matches a name beginning with '$'.
func Matches(name Name, filter Filter) bool {
	if len(name.levels) > 0 && strings.HasPrefix(name.levels[0], "$") {
		if len(filter.levels) > 0 && (filter.levels[0] == "+" || filter.levels[0] == "#") {
			return false
		}
	}

	fi, ni := 0, 0
	for fi < len(filter.levels) {
		fLevel := filter.levels[fi]

		if fLevel == "#" {
			return true
		}

		if ni >= len(name.levels) {
			return false
		}

		if fLevel != "+" && fLevel != name.levels[ni] {
			return false
		}

		fi++
		ni++
	}

	return ni == len(name.levels)
}

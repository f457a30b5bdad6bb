/*
Package config loads and validates orchestrator configuration.

Configuration is a YAML file overlaid onto compiled-in defaults, so a
missing file or a partial file always yields a complete, valid
configuration. Runtime reconfiguration goes through ApplyPatch, which
accepts dotted key paths (the same paths used in the YAML) and limits
the mutable set to the placement algorithm, placement flags/weights,
liveness thresholds, and max/min node counts. A patch is applied
atomically: if any key is unknown, immutable, or fails validation, the
configuration is left untouched.
*/
package config

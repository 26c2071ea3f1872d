package bids

import (
	"strconv"
	"strings"

	"tractoprep/internal/models"
)

// Chain is an ordered metadata lookup: each key is tried in turn and the
// first non-empty value wins. When no key yields a value the Default is used,
// unless the chain is Required.
type Chain struct {
	Keys     []string
	Default  string
	Required bool
}

// Sidecar fields read during selection. Defaults reflect datasets whose
// sidecars omit vendor-specific keys.
var (
	CoilModeChain      = Chain{Keys: []string{"MatrixCoilMode"}, Default: "unknown"}
	OrientationChain   = Chain{Keys: []string{"ImageOrientationText"}, Default: "sag"}
	ProtocolChain      = Chain{Keys: []string{"ProtocolName"}, Default: "unknown"}
	PhaseEncodingChain = Chain{Keys: []string{"PhaseEncodingDirection", "PhaseEncodingAxis"}, Required: true}
	ReadoutChain       = Chain{Keys: []string{"TotalReadoutTime", "EstimatedTotalReadoutTime"}}
)

// WithDefault returns a copy of the chain that falls back to def.
func (c Chain) WithDefault(def string) Chain {
	c.Default = def
	c.Required = false
	return c
}

// Resolve looks the chain up in the record metadata. ok is false only for a
// required chain with no value.
func (c Chain) Resolve(rec models.AcquisitionRecord) (value string, ok bool) {
	for _, key := range c.Keys {
		v, found := rec.MetaString(key)
		if found && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	if c.Required {
		return "", false
	}
	return c.Default, true
}

// ResolveFloat is Resolve followed by a float conversion. Unparseable values
// fall back to the default.
func (c Chain) ResolveFloat(rec models.AcquisitionRecord) (float64, bool) {
	v, ok := c.Resolve(rec)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		f, err = strconv.ParseFloat(c.Default, 64)
		if err != nil {
			return 0, false
		}
	}
	return f, true
}

// Package anat picks the anatomical reference image of a session.
package anat

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"tractoprep/internal/models"
	"tractoprep/pkg/bids"
)

// ErrNoValidAnatomical is returned when every candidate was rejected.
var ErrNoValidAnatomical = errors.New("no valid anatomical file")

// Rules lists the case-insensitive markers that disqualify a candidate.
type Rules struct {
	// FilenameMarkers reject candidates whose filename contains one of them (FLAIR contrasts).
	FilenameMarkers []string

	// CoilModes reject candidates whose MatrixCoilMode equals one of them.
	CoilModes []string

	// ProtocolMarkers reject candidates whose ProtocolName contains one of them
	// (neuromelanin-sensitive sequences).
	ProtocolMarkers []string
}

// DefaultRules returns the markers used when no configuration overrides them.
func DefaultRules() Rules {
	return Rules{
		FilenameMarkers: []string{"flair"},
		CoilModes:       []string{"sense"},
		ProtocolMarkers: []string{"neuromel"},
	}
}

// TieBreaker chooses one record among several candidates that all passed filtering.
type TieBreaker interface {
	Pick(candidates []models.AcquisitionRecord) models.AcquisitionRecord
}

// FewestEntities prefers the least qualified filename, on the assumption that
// a plain T1w is the default acquisition. Equal counts resolve to the first
// candidate in index order.
type FewestEntities struct{}

// Pick implements TieBreaker.
func (FewestEntities) Pick(candidates []models.AcquisitionRecord) models.AcquisitionRecord {
	best := 0
	for i, c := range candidates {
		if c.EntityCount() < candidates[best].EntityCount() {
			best = i
		}
	}
	return candidates[best]
}

// Selector filters anatomical candidates and returns exactly one.
type Selector struct {
	Rules      Rules
	TieBreaker TieBreaker
	log        log.FieldLogger
}

// NewSelector creates a selector. A nil tie-breaker means FewestEntities.
func NewSelector(rules Rules, tb TieBreaker, logger log.FieldLogger) *Selector {
	if tb == nil {
		tb = FewestEntities{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Selector{Rules: rules, TieBreaker: tb, log: logger}
}

// Rejection explains why a candidate was filtered out; empty means accepted.
func (s *Selector) Rejection(rec models.AcquisitionRecord) string {
	name := strings.ToLower(rec.Filename)
	for _, m := range s.Rules.FilenameMarkers {
		if strings.Contains(name, strings.ToLower(m)) {
			return fmt.Sprintf("filename contains %q", m)
		}
	}

	coil, _ := bids.CoilModeChain.Resolve(rec)
	for _, m := range s.Rules.CoilModes {
		if strings.EqualFold(coil, m) {
			return fmt.Sprintf("coil mode is %q", coil)
		}
	}

	protocol, _ := bids.ProtocolChain.Resolve(rec)
	lp := strings.ToLower(protocol)
	for _, m := range s.Rules.ProtocolMarkers {
		if strings.Contains(lp, strings.ToLower(m)) {
			return fmt.Sprintf("protocol %q contains %q", protocol, m)
		}
	}
	return ""
}

// Filter returns the candidates that pass every rule, in index order.
func (s *Selector) Filter(candidates []models.AcquisitionRecord) []models.AcquisitionRecord {
	var kept []models.AcquisitionRecord
	for _, rec := range candidates {
		coil, _ := bids.CoilModeChain.Resolve(rec)
		orient, _ := bids.OrientationChain.Resolve(rec)
		entry := s.log.WithFields(log.Fields{
			"file":        rec.Filename,
			"coilMode":    coil,
			"orientation": orient,
		})
		if rec.Source != nil {
			if shape, err := rec.Source.Shape(); err == nil {
				entry = entry.WithField("shape", shape)
			}
		}

		if reason := s.Rejection(rec); reason != "" {
			entry.WithField("reason", reason).Info("Skipping anatomical candidate")
			continue
		}
		entry.Info("Anatomical candidate")
		kept = append(kept, rec)
	}
	return kept
}

// Select returns the anatomical record to use for a session.
func (s *Selector) Select(candidates []models.AcquisitionRecord) (models.AcquisitionRecord, error) {
	kept := s.Filter(candidates)

	switch len(kept) {
	case 0:
		return models.AcquisitionRecord{}, ErrNoValidAnatomical
	case 1:
		return kept[0], nil
	default:
		s.log.WithField("candidates", len(kept)).Info("Still have to pick one...")
		return s.TieBreaker.Pick(kept), nil
	}
}

// Package dwi classifies diffusion acquisitions by phase-encoding direction
// and merges them into one primary series plus an optional reverse
// phase-encode reference.
package dwi

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"tractoprep/internal/models"
	"tractoprep/pkg/bids"
)

// Classified is a diffusion candidate with the facts needed to merge it.
type Classified struct {
	Record       models.AcquisitionRecord
	Label        string
	Volumes      int
	HasGradients bool
}

// Classification is the outcome of classifying one session.
type Classification struct {
	Candidates []Classified

	// Labels are the distinct raw phase-encoding labels in first-observed order.
	Labels []string

	// Phase is the canonical axis (x, y or z) derived from Labels.
	Phase string
}

// Passthrough reports whether merging can be skipped because fewer than two
// candidates exist.
func (c *Classification) Passthrough() bool {
	return len(c.Candidates) < 2
}

// VolumeCount returns the length of the volume axis for a shape: 4-D images
// contribute their last axis, 3-D images a single volume.
func VolumeCount(shape []int) (int, error) {
	switch len(shape) {
	case 4:
		return shape[3], nil
	case 3:
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: shape %v", ErrUnsupportedRank, shape)
	}
}

// CanonicalPhase maps raw labels to the axis argument of the downstream
// pipeline. Any label on the i axis means x, on the j axis y; anything else
// is an unlikely (z) or mixed encoding.
func CanonicalPhase(labels []string) string {
	for _, l := range labels {
		if strings.Contains(l, "i") {
			return "x"
		}
	}
	for _, l := range labels {
		if strings.Contains(l, "j") {
			return "y"
		}
	}
	return "z"
}

// Classify inspects every candidate in index order. Missing phase-encoding
// metadata and unsupported ranks fail immediately, before any pixel data is read.
func Classify(records []models.AcquisitionRecord, logger log.FieldLogger) (*Classification, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}

	out := &Classification{}
	seen := make(map[string]bool)

	for _, rec := range records {
		label, ok := bids.PhaseEncodingChain.Resolve(rec)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrIncompleteSidecar, rec.Filename)
		}

		if rec.Source == nil {
			return nil, fmt.Errorf("%s has no pixel data", rec.Filename)
		}
		shape, err := rec.Source.Shape()
		if err != nil {
			return nil, fmt.Errorf("failed to read shape of %s: %w", rec.Filename, err)
		}
		volumes, err := VolumeCount(shape)
		if err != nil {
			return nil, fmt.Errorf("dMRI file %s: %w", rec.Filename, err)
		}

		logger.WithFields(log.Fields{
			"file":      rec.Filename,
			"label":     label,
			"shape":     shape,
			"gradients": rec.HasGradients(),
		}).Info("Diffusion candidate")

		out.Candidates = append(out.Candidates, Classified{
			Record:       rec,
			Label:        label,
			Volumes:      volumes,
			HasGradients: rec.HasGradients(),
		})
		if !seen[label] {
			seen[label] = true
			out.Labels = append(out.Labels, label)
		}
	}

	logger.WithField("labels", out.Labels).Info("Phase encoding directions")

	if len(out.Labels) == 0 {
		return nil, fmt.Errorf("%w: nothing to process", ErrNoDiffusionFiles)
	}
	if len(out.Labels) > 2 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMultiDirection, out.Labels)
	}

	out.Phase = CanonicalPhase(out.Labels)
	if out.Phase == "z" {
		logger.Warn("An unlikely (z) or mixed phase encoding has been selected")
	}
	logger.WithField("phase", out.Phase).Info("Phase encoding argument")
	return out, nil
}

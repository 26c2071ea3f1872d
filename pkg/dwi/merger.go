package dwi

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"tractoprep/internal/models"
	"tractoprep/pkg/bids"
)

// cohort accumulates the validated candidates sharing one phase-encoding label.
type cohort struct {
	label string

	images  []*models.Volume
	tables  []models.GradientTable
	files   []string
	readout float64

	// spatial shape of the first accepted candidate
	ref [3]int

	merged    *models.Volume
	gradients models.GradientTable
}

func (c *cohort) empty() bool {
	return len(c.images) == 0
}

// weighted counts the merged volumes with a non-zero b-value.
func (c *cohort) weighted() int {
	if c.empty() {
		return 0
	}
	return c.gradients.WeightedCount()
}

// Merger concatenates same-direction diffusion series.
type Merger struct {
	// DefaultReadout is used when no readout time can be found in the sidecar.
	DefaultReadout float64

	log log.FieldLogger
}

// NewMerger creates a merger.
func NewMerger(defaultReadout float64, logger log.FieldLogger) *Merger {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Merger{DefaultReadout: defaultReadout, log: logger}
}

// Merge builds the primary series and the reverse phase-encode reference.
//
// Every candidate is validated against its own gradient table and against the
// spatial shape of the first accepted candidate of its cohort before anything
// is concatenated. Candidates failing validation are reported in Excluded and
// logged; the remaining candidates of each cohort are concatenated once, in
// index order.
func (m *Merger) Merge(c *Classification) (*models.MergedDiffusionSeries, error) {
	if len(c.Labels) == 0 {
		return nil, ErrNoDiffusionFiles
	}
	if len(c.Labels) > 2 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMultiDirection, c.Labels)
	}

	cohorts := []*cohort{{label: c.Labels[0]}}
	if len(c.Labels) == 2 {
		cohorts = append(cohorts, &cohort{label: c.Labels[1]})
	} else {
		cohorts = append(cohorts, &cohort{})
	}

	series := &models.MergedDiffusionSeries{Phase: c.Phase}

	for _, cand := range c.Candidates {
		target := cohorts[0]
		if cand.Label != cohorts[0].label {
			target = cohorts[1]
		}

		vol, table, err := m.load(cand)
		if err != nil {
			return nil, err
		}

		entry := m.log.WithFields(log.Fields{
			"file":    cand.Record.Filename,
			"label":   cand.Label,
			"volumes": vol.NumVolumes(),
			"bvals":   table.Len(),
		})

		if reason := target.check(vol, table); reason != "" {
			entry.WithField("reason", reason).Warn("Excluding diffusion file from merge")
			series.Excluded = append(series.Excluded, models.Exclusion{
				Filename: cand.Record.Filename,
				Label:    cand.Label,
				Reason:   reason,
			})
			continue
		}

		if target.empty() {
			target.ref = vol.SpatialShape()
			target.readout = m.readout(cand.Record)
		}
		target.images = append(target.images, vol)
		target.tables = append(target.tables, table)
		target.files = append(target.files, cand.Record.Filename)
		entry.Debug("Accepted diffusion file")
	}

	for i, co := range cohorts {
		if co.empty() {
			continue
		}
		merged, err := models.ConcatVolumes(co.images...)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s series: %w", co.label, err)
		}
		co.merged = merged
		co.gradients = models.ConcatGradients(co.tables...)

		m.log.WithFields(log.Fields{
			"cohort":   i + 1,
			"label":    co.label,
			"files":    len(co.files),
			"shape":    merged.Shape,
			"weighted": co.weighted(),
		}).Info("Merged phase encoding cohort")
	}

	primary, reverse := choosePrimary(cohorts[0], cohorts[1])
	if primary == nil {
		return nil, fmt.Errorf("%w: every candidate was excluded", ErrNoDiffusionFiles)
	}

	series.Image = primary.merged
	series.Gradients = primary.gradients
	series.ReadoutTime = primary.readout
	series.PrimaryLabel = primary.label
	series.Included = append(series.Included, primary.files...)

	if reverse != nil && !reverse.empty() {
		series.ReversePE = reverse.merged.MeanVolume()
		series.Included = append(series.Included, reverse.files...)
	}

	m.log.WithFields(log.Fields{
		"primary":   primary.label,
		"volumes":   series.Image.NumVolumes(),
		"readout":   series.ReadoutTime,
		"reversePE": series.ReversePE != nil,
	}).Info("Selected primary diffusion series")
	return series, nil
}

// choosePrimary picks the cohort with strictly more diffusion-weighted
// volumes. On a tie the second cohort is primary when it holds data.
func choosePrimary(first, second *cohort) (primary, reverse *cohort) {
	switch {
	case first.weighted() > second.weighted():
		return first, second
	case !second.empty():
		return second, first
	case !first.empty():
		return first, second
	default:
		return nil, nil
	}
}

// check returns why a candidate cannot join the cohort, or "" if it can.
func (c *cohort) check(vol *models.Volume, table models.GradientTable) string {
	if vol.Rank() != 3 && vol.Rank() != 4 {
		return fmt.Sprintf("image has rank %d", vol.Rank())
	}
	if err := table.Validate(); err != nil {
		return err.Error()
	}
	if table.Len() != vol.NumVolumes() {
		return fmt.Sprintf("%d volumes but %d b-values", vol.NumVolumes(), table.Len())
	}
	if !c.empty() && vol.SpatialShape() != c.ref {
		return fmt.Sprintf("spatial shape %v does not match %v", vol.SpatialShape(), c.ref)
	}
	return ""
}

// load reads the pixel data and gradient table of a candidate. A candidate
// without gradient files is described by a table of zeros.
func (m *Merger) load(cand Classified) (*models.Volume, models.GradientTable, error) {
	vol, err := cand.Record.Source.Load()
	if err != nil {
		return nil, models.GradientTable{}, fmt.Errorf("failed to load %s: %w", cand.Record.Filename, err)
	}

	if !cand.HasGradients {
		return vol, models.ZeroGradients(vol.NumVolumes()), nil
	}
	table, err := ReadGradientTable(cand.Record.BvalPath, cand.Record.BvecPath)
	if err != nil {
		return nil, models.GradientTable{}, fmt.Errorf("%s: %w", cand.Record.Filename, err)
	}
	return vol, table, nil
}

func (m *Merger) readout(rec models.AcquisitionRecord) float64 {
	chain := bids.ReadoutChain.WithDefault(fmt.Sprint(m.DefaultReadout))
	v, _ := chain.ResolveFloat(rec)
	return v
}

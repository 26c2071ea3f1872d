// Package prep turns the raw acquisitions of one participant session into the
// fixed input bundle of the tractography pipeline.
package prep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"tractoprep/internal/models"
	"tractoprep/pkg/anat"
	"tractoprep/pkg/bids"
	"tractoprep/pkg/config"
	"tractoprep/pkg/dwi"
	"tractoprep/pkg/nifti"
	"tractoprep/pkg/shells"
	"tractoprep/pkg/visualization"
)

// Params holds the inputs of one preparation run.
type Params struct {
	// BIDSDir is the root of the BIDS dataset.
	BIDSDir string

	// Participant and Session identify the data to prepare. The sub- and
	// ses- prefixes are optional.
	Participant string
	Session     string

	// OutputDir receives every output file.
	OutputDir string

	// EnvFile, when set, gets the shell profile appended as export lines.
	EnvFile string

	// Config supplies output names, selection markers and analysis settings.
	// Nil means config.DefaultConfig().
	Config *config.Config

	// TieBreaker picks among several valid anatomical candidates. Nil means
	// anat.FewestEntities.
	TieBreaker anat.TieBreaker
}

// Result summarizes a run. It is also written to the summary file.
type Result struct {
	Participant string `yaml:"participant"`
	Session     string `yaml:"session"`

	Anatomical string `yaml:"anatomical"`

	// Passthrough is true when a single diffusion file was copied unmerged.
	Passthrough  bool               `yaml:"passthrough"`
	Phase        string             `yaml:"phase"`
	PrimaryLabel string             `yaml:"primaryLabel"`
	ReadoutTime  float64            `yaml:"readoutTime"`
	ReversePE    bool               `yaml:"reversePE"`
	Included     []string           `yaml:"included"`
	Excluded     []models.Exclusion `yaml:"excluded,omitempty"`

	Profile models.ShellProfile `yaml:"profile"`

	// Outputs lists every written file, relative to the output directory.
	Outputs []string `yaml:"outputs"`
}

// Preparer runs the preparation steps in order. It is single use.
type Preparer struct {
	params *Params
	cfg    *config.Config
	log    log.FieldLogger

	layout    *bids.Layout
	anatQuery bids.Query
	dwiQuery  bids.Query

	classification *dwi.Classification
	series         *models.MergedDiffusionSeries

	result Result
}

// NewPreparer creates a preparer for params.
func NewPreparer(params *Params, logger log.FieldLogger) *Preparer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Preparer{
		params: params,
		cfg:    cfg,
		log:    logger,
		result: Result{
			Participant: bids.StripPrefix(params.Participant, "sub"),
			Session:     bids.StripPrefix(params.Session, "ses"),
		},
	}
}

type step struct {
	name string
	run  func() error
}

// Process runs the complete preparation pipeline. ctx is checked between
// steps; a step that has started always runs to completion.
func (p *Preparer) Process(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(p.params.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	steps := []step{
		{"Indexing BIDS dataset", p.index},
		{"Resolving acquisition filters", p.resolveQueries},
		{"Selecting anatomical image", p.selectAnatomical},
		{"Classifying diffusion images", p.classify},
		{"Preparing diffusion series", p.prepareDiffusion},
		{"Analyzing diffusion shells", p.analyzeShells},
		{"Writing run summary", p.writeSummary},
	}
	if p.cfg.QC.Enabled {
		steps = append(steps, step{"Rendering quality-control previews", p.renderPreviews})
	}

	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("preparation interrupted before %q: %w", s.name, err)
		}
		p.log.Infof("Step %d: %s...", i+1, s.name)
		if err := s.run(); err != nil {
			return nil, err
		}
	}

	p.log.WithFields(log.Fields{
		"participant": p.result.Participant,
		"session":     p.result.Session,
		"output":      p.params.OutputDir,
	}).Info("Preparation completed")
	return &p.result, nil
}

func (p *Preparer) index() error {
	layout, err := bids.NewLayout(p.params.BIDSDir, p.result.Participant, p.log)
	if err != nil {
		return fmt.Errorf("failed to index dataset: %w", err)
	}
	p.layout = layout
	return nil
}

// resolveQueries starts from the session defaults and overlays the filter
// file, when filtering is enabled and the file exists.
func (p *Preparer) resolveQueries() error {
	p.anatQuery, p.dwiQuery = bids.DefaultQueries(p.result.Session)
	if p.result.Session == "" {
		// sessionless dataset
		p.anatQuery = p.anatQuery.With("session", nil)
		p.dwiQuery = p.dwiQuery.With("session", nil)
	}
	if ext := p.cfg.Diffusion.Extension; ext != "" {
		p.anatQuery = p.anatQuery.With("extension", ext)
		p.dwiQuery = p.dwiQuery.With("extension", ext)
	}

	if !p.cfg.Filter.Enabled {
		p.log.Info("BIDS filtering disabled")
		return nil
	}

	filter, found, err := bids.LoadFilter(p.cfg.Filter.Dir, p.result.Session)
	if err != nil {
		return fmt.Errorf("failed to load filter: %w", err)
	}
	if !found {
		p.log.WithField("path", bids.FilterPath(p.cfg.Filter.Dir, p.result.Session)).
			Info("No filter file found, using default queries")
		return nil
	}

	for k, v := range filter.T1w {
		p.anatQuery = p.anatQuery.With(k, v)
	}
	for k, v := range filter.DWI {
		p.dwiQuery = p.dwiQuery.With(k, v)
	}
	p.log.WithFields(log.Fields{
		"t1w": p.anatQuery,
		"dwi": p.dwiQuery,
	}).Info("Using filter file")
	return nil
}

func (p *Preparer) selectAnatomical() error {
	candidates := p.layout.Get(p.anatQuery)
	sel := anat.NewSelector(p.selectionRules(), p.params.TieBreaker, p.log)
	chosen, err := sel.Select(candidates)
	if err != nil {
		return fmt.Errorf("failed to select anatomical for sub-%s ses-%s: %w",
			p.result.Participant, p.result.Session, err)
	}

	if err := p.writeImage(chosen, p.cfg.Outputs.Anat); err != nil {
		return err
	}
	p.result.Anatomical = chosen.Filename
	return nil
}

func (p *Preparer) selectionRules() anat.Rules {
	return anat.Rules{
		FilenameMarkers: p.cfg.Selection.FilenameMarkers,
		CoilModes:       p.cfg.Selection.CoilModes,
		ProtocolMarkers: p.cfg.Selection.ProtocolMarkers,
	}
}

func (p *Preparer) classify() error {
	c, err := dwi.Classify(p.layout.Get(p.dwiQuery), p.log)
	if err != nil {
		return fmt.Errorf("failed to classify diffusion images for sub-%s ses-%s: %w",
			p.result.Participant, p.result.Session, err)
	}
	p.classification = c
	p.result.Phase = c.Phase
	return nil
}

func (p *Preparer) prepareDiffusion() error {
	if p.classification.Passthrough() {
		return p.passthrough()
	}
	return p.merge()
}

// passthrough copies a lone diffusion file and its gradient tables.
func (p *Preparer) passthrough() error {
	cand := p.classification.Candidates[0]
	if !cand.HasGradients {
		return fmt.Errorf("%w: %s", dwi.ErrNoGradientTable, cand.Record.Filename)
	}
	p.log.WithField("file", cand.Record.Filename).Info("Single diffusion file, copying without merge")

	if err := p.writeImage(cand.Record, p.cfg.Outputs.DWI); err != nil {
		return err
	}
	if err := p.copyInput(cand.Record.BvalPath, p.cfg.Outputs.Bval); err != nil {
		return err
	}
	if err := p.copyInput(cand.Record.BvecPath, p.cfg.Outputs.Bvec); err != nil {
		return err
	}

	p.result.Passthrough = true
	p.result.PrimaryLabel = cand.Label
	p.result.ReadoutTime = p.merger().DefaultReadout
	if v, ok := bids.ReadoutChain.ResolveFloat(cand.Record); ok {
		p.result.ReadoutTime = v
	}
	p.result.Included = []string{cand.Record.Filename}
	return nil
}

func (p *Preparer) merger() *dwi.Merger {
	return dwi.NewMerger(p.cfg.Diffusion.DefaultReadoutTime, p.log)
}

func (p *Preparer) merge() error {
	series, err := p.merger().Merge(p.classification)
	if err != nil {
		return fmt.Errorf("failed to merge diffusion images: %w", err)
	}
	p.series = series

	if err := p.writeVolume(series.Image, p.cfg.Outputs.DWI); err != nil {
		return err
	}
	bval := filepath.Join(p.params.OutputDir, p.cfg.Outputs.Bval)
	bvec := filepath.Join(p.params.OutputDir, p.cfg.Outputs.Bvec)
	if err := dwi.WriteGradientTable(bval, bvec, series.Gradients); err != nil {
		return fmt.Errorf("failed to write gradient table: %w", err)
	}
	p.result.Outputs = append(p.result.Outputs, p.cfg.Outputs.Bval, p.cfg.Outputs.Bvec)

	if series.ReversePE != nil {
		if series.ReversePE.AnyNonZero() {
			if err := p.writeVolume(series.ReversePE, p.cfg.Outputs.RevB0); err != nil {
				return err
			}
			p.result.ReversePE = true
		} else {
			p.log.Warn("Reverse phase-encode reference is empty, not writing it")
		}
	}

	p.result.PrimaryLabel = series.PrimaryLabel
	p.result.ReadoutTime = series.ReadoutTime
	p.result.Included = series.Included
	p.result.Excluded = series.Excluded
	return nil
}

func (p *Preparer) analyzeShells() error {
	a := shells.NewAnalyzer(p.cfg.Shells.OrderThreshold, p.cfg.Shells.OrderCeiling, p.log)

	var (
		profile models.ShellProfile
		err     error
	)
	if p.series != nil {
		profile, err = a.Analyze(p.series.Gradients)
	} else {
		profile, err = a.AnalyzeFiles(
			filepath.Join(p.params.OutputDir, p.cfg.Outputs.Bval),
			filepath.Join(p.params.OutputDir, p.cfg.Outputs.Bvec))
	}
	if err != nil {
		return fmt.Errorf("failed to analyze shells: %w", err)
	}
	p.result.Profile = profile

	if p.params.EnvFile != "" {
		if err := shells.WriteEnvFile(p.params.EnvFile, profile); err != nil {
			return err
		}
		p.log.WithField("path", p.params.EnvFile).Info("Appended shell profile to env file")
	}
	return nil
}

func (p *Preparer) writeSummary() error {
	if p.cfg.Outputs.Summary == "" {
		return nil
	}
	p.result.Outputs = append(p.result.Outputs, p.cfg.Outputs.Summary)
	data, err := yaml.Marshal(&p.result)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	path := filepath.Join(p.params.OutputDir, p.cfg.Outputs.Summary)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

func (p *Preparer) renderPreviews() error {
	dir := p.cfg.QC.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(p.params.OutputDir, dir)
	}

	names := []string{p.cfg.Outputs.Anat, p.cfg.Outputs.DWI}
	if p.result.ReversePE {
		names = append(names, p.cfg.Outputs.RevB0)
	}
	for _, name := range names {
		vol, err := nifti.Read(filepath.Join(p.params.OutputDir, name))
		if err != nil {
			// previews never fail a run
			p.log.WithError(err).WithField("file", name).Warn("Failed to read volume for preview")
			continue
		}
		base, _ := bids.SplitExtension(name)
		written, err := visualization.SaveMidSlices(vol, dir, base, p.cfg.QC.Size)
		if err != nil {
			p.log.WithError(err).WithField("file", name).Warn("Failed to render preview")
			continue
		}
		p.log.WithFields(log.Fields{
			"file":     name,
			"previews": len(written),
		}).Debug("Rendered preview")
	}
	return nil
}

// writeImage writes a source image to an output name. Sources already in
// the output encoding are copied byte for byte.
func (p *Preparer) writeImage(rec models.AcquisitionRecord, name string) error {
	if sameEncoding(rec.Path, name) {
		return p.copyInput(rec.Path, name)
	}
	vol, err := rec.Source.Load()
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", rec.Filename, err)
	}
	return p.writeVolume(vol, name)
}

func sameEncoding(src, dst string) bool {
	return strings.HasSuffix(src, ".gz") == strings.HasSuffix(dst, ".gz")
}

func (p *Preparer) writeVolume(vol *models.Volume, name string) error {
	path := filepath.Join(p.params.OutputDir, name)
	if err := nifti.Write(path, vol); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if mode := os.FileMode(p.cfg.Outputs.FileMode); mode != 0 {
		if err := os.Chmod(path, mode); err != nil {
			return fmt.Errorf("failed to set mode of %s: %w", name, err)
		}
	}
	p.result.Outputs = append(p.result.Outputs, name)
	p.log.WithFields(log.Fields{
		"file":  name,
		"shape": vol.Shape,
	}).Info("Wrote volume")
	return nil
}

// copyInput copies src into the output directory and applies the configured mode.
func (p *Preparer) copyInput(src, name string) error {
	dst := filepath.Join(p.params.OutputDir, name)
	if err := copyFile(src, dst, os.FileMode(p.cfg.Outputs.FileMode)); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", filepath.Base(src), name, err)
	}
	p.result.Outputs = append(p.result.Outputs, name)
	p.log.WithFields(log.Fields{
		"file":   filepath.Base(src),
		"output": name,
	}).Info("Copied input file")
	return nil
}

func copyFile(src, dst string, mode os.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if mode == 0 {
		return nil
	}
	return os.Chmod(dst, mode)
}

// IsInputError reports whether err was caused by the dataset rather than by
// the environment, so callers can tell users to fix their data.
func IsInputError(err error) bool {
	for _, target := range []error{
		anat.ErrNoValidAnatomical,
		dwi.ErrIncompleteSidecar,
		dwi.ErrUnsupportedRank,
		dwi.ErrNoDiffusionFiles,
		dwi.ErrUnsupportedMultiDirection,
		dwi.ErrNoGradientTable,
		bids.ErrSubjectNotFound,
		nifti.ErrInvalidHeader,
		nifti.ErrUnsupportedDatatype,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

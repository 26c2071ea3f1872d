package prep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"gopkg.in/yaml.v3"

	"tractoprep/pkg/anat"
	"tractoprep/pkg/bids"
	"tractoprep/pkg/config"
	"tractoprep/pkg/dwi"
	"tractoprep/pkg/nifti"
)

const (
	plainT1   = "sub-01_ses-1_T1w.nii.gz"
	mprageT1  = "sub-01_ses-1_acq-mprage_T1w.nii.gz"
	flairT1   = "sub-01_ses-1_acq-flair_T1w.nii.gz"
	forward1  = "sub-01_ses-1_run-1_dwi.nii.gz"
	forward2  = "sub-01_ses-1_run-2_dwi.nii.gz"
	reverseB0 = "sub-01_ses-1_dir-PA_dwi.nii.gz"
)

var dwiShape = []int{4, 4, 3, 4}

// newDataset creates anatomical candidates plus two forward runs and one
// reverse b0 acquisition
func newDataset(t *testing.T) dataset {
	t.Helper()
	d := dataset{root: t.TempDir()}

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Failed to build dataset: %v", err)
		}
	}

	must(d.addSidecar(filepath.Join(d.root, "dwi.json"), map[string]any{"TotalReadoutTime": 0.05}))

	must(d.addImage(plainT1, []int{6, 6, 4}, 100, map[string]any{"MatrixCoilMode": "GRAPPA"}))
	must(d.addImage(mprageT1, []int{6, 6, 4}, 200, nil))
	must(d.addImage(flairT1, []int{6, 6, 4}, 300, nil))

	must(d.addImage(forward1, dwiShape, 10, map[string]any{"PhaseEncodingDirection": "j"}))
	must(d.addGradients(forward1, []float64{0, 1000, 1000, 1000}, 1))
	must(d.addImage(forward2, dwiShape, 20, map[string]any{"PhaseEncodingDirection": "j"}))
	must(d.addGradients(forward2, []float64{0, 2000, 2000, 2000}, 2))
	must(d.addImage(reverseB0, []int{4, 4, 3, 2}, 50, map[string]any{"PhaseEncodingDirection": "j-"}))
	return d
}

func testParams(t *testing.T, d dataset) *Params {
	cfg := config.DefaultConfig()
	cfg.Filter.Dir = t.TempDir()
	return &Params{
		BIDSDir:     d.root,
		Participant: "sub-01",
		Session:     "1",
		OutputDir:   filepath.Join(t.TempDir(), "out"),
		Config:      cfg,
	}
}

func TestProcessMergesForwardAndReverse(t *testing.T) {
	d := newDataset(t)
	params := testParams(t, d)
	params.EnvFile = filepath.Join(t.TempDir(), "tractoflow.env")
	params.Config.QC.Enabled = true
	params.Config.QC.Size = 32

	result, err := NewPreparer(params, quietLogger()).Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.Anatomical != plainT1 {
		t.Errorf("Expected %s to be selected, got %s", plainT1, result.Anatomical)
	}
	same, err := sameContent(d.imagePath(plainT1), filepath.Join(params.OutputDir, "t1.nii.gz"))
	if err != nil || !same {
		t.Errorf("Expected t1.nii.gz to be a byte copy of the selected image (err=%v)", err)
	}
	info, err := os.Stat(filepath.Join(params.OutputDir, "t1.nii.gz"))
	if err != nil {
		t.Fatalf("Failed to stat t1.nii.gz: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("Expected mode 0644, got %o", info.Mode().Perm())
	}

	merged, err := nifti.Read(filepath.Join(params.OutputDir, "dwi.nii.gz"))
	if err != nil {
		t.Fatalf("Failed to read merged series: %v", err)
	}
	if !reflect.DeepEqual(merged.Shape, []int{4, 4, 3, 8}) {
		t.Errorf("Expected merged shape [4 4 3 8], got %v", merged.Shape)
	}

	bval, _ := os.ReadFile(filepath.Join(params.OutputDir, "bval"))
	if string(bval) != "0 1000 1000 1000 0 2000 2000 2000\n" {
		t.Errorf("Unexpected bval content %q", bval)
	}

	rev, err := nifti.Read(filepath.Join(params.OutputDir, "rev_b0.nii.gz"))
	if err != nil {
		t.Fatalf("Failed to read reverse reference: %v", err)
	}
	if rev.Rank() != 3 || rev.Data[0] != 50.5 {
		t.Errorf("Expected a 3-D mean volume of 50.5, got rank %d value %f", rev.Rank(), rev.Data[0])
	}

	if result.Passthrough || !result.ReversePE {
		t.Errorf("Expected a merged run with reverse reference, got %+v", result)
	}
	if result.Phase != "y" || result.PrimaryLabel != "j" {
		t.Errorf("Unexpected phase %s / label %s", result.Phase, result.PrimaryLabel)
	}
	if result.ReadoutTime != 0.05 {
		t.Errorf("Expected inherited readout 0.05, got %f", result.ReadoutTime)
	}
	if len(result.Included) != 3 || len(result.Excluded) != 0 {
		t.Errorf("Unexpected included/excluded %v / %v", result.Included, result.Excluded)
	}

	if !reflect.DeepEqual(result.Profile.Shells, []int{0, 1000, 2000}) {
		t.Errorf("Unexpected shells %v", result.Profile.Shells)
	}
	if result.Profile.Directions != 6 || result.Profile.Order != 2 {
		t.Errorf("Unexpected profile %+v", result.Profile)
	}

	env, _ := os.ReadFile(params.EnvFile)
	if !strings.Contains(string(env), `export TFBVAL="0 1000 2000"`) {
		t.Errorf("Env file missing shells:\n%s", env)
	}

	var summary Result
	data, err := os.ReadFile(filepath.Join(params.OutputDir, "tractoprep.yaml"))
	if err != nil {
		t.Fatalf("Failed to read summary: %v", err)
	}
	if err := yaml.Unmarshal(data, &summary); err != nil {
		t.Fatalf("Failed to parse summary: %v", err)
	}
	if summary.Anatomical != plainT1 || summary.Profile.Order != 2 {
		t.Errorf("Unexpected summary %+v", summary)
	}

	for _, name := range []string{"t1_z.png", "dwi_x.png", "rev_b0_y.png"} {
		if !fileExists(filepath.Join(params.OutputDir, "qc", name)) {
			t.Errorf("Expected preview %s", name)
		}
	}
}

func TestProcessKeepsAnisotropicVoxelSize(t *testing.T) {
	d := dataset{root: t.TempDir(), voxelSize: [3]float64{2, 2, 2.5}}
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Failed to build dataset: %v", err)
		}
	}
	must(d.addImage(plainT1, []int{6, 6, 4}, 100, nil))
	must(d.addImage(forward1, dwiShape, 10, map[string]any{"PhaseEncodingDirection": "j"}))
	must(d.addGradients(forward1, []float64{0, 1000, 1000, 1000}, 1))
	must(d.addImage(forward2, dwiShape, 20, map[string]any{"PhaseEncodingDirection": "j"}))
	must(d.addGradients(forward2, []float64{0, 2000, 2000, 2000}, 2))
	must(d.addImage(reverseB0, []int{4, 4, 3, 2}, 50, map[string]any{"PhaseEncodingDirection": "j-"}))

	params := testParams(t, d)
	if _, err := NewPreparer(params, quietLogger()).Process(context.Background()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	for _, name := range []string{"dwi.nii.gz", "rev_b0.nii.gz"} {
		h, _, err := nifti.ReadHeader(filepath.Join(params.OutputDir, name))
		if err != nil {
			t.Fatalf("Failed to read header of %s: %v", name, err)
		}
		if h.PixDim[1] != 2 || h.PixDim[2] != 2 || h.PixDim[3] != 2.5 {
			t.Errorf("%s: expected pixdim 2 2 2.5, got %v", name, h.PixDim[1:4])
		}
		if h.SRowZ[2] != 2.5 {
			t.Errorf("%s: expected sform z scale 2.5, got %f", name, h.SRowZ[2])
		}
	}
}

func TestProcessCompressesUncompressedAnatomical(t *testing.T) {
	d := dataset{root: t.TempDir()}
	t1 := "sub-01_ses-1_T1w.nii"
	if err := d.addImage(t1, []int{6, 6, 4}, 100, nil); err != nil {
		t.Fatal(err)
	}
	if err := d.addImage(forward1, dwiShape, 10, map[string]any{"PhaseEncodingDirection": "j"}); err != nil {
		t.Fatal(err)
	}
	if err := d.addGradients(forward1, []float64{0, 1000, 1000, 1000}, 1); err != nil {
		t.Fatal(err)
	}

	params := testParams(t, d)
	params.Config.Diffusion.Extension = ""
	result, err := NewPreparer(params, quietLogger()).Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.Anatomical != t1 {
		t.Fatalf("Expected %s to be selected, got %s", t1, result.Anatomical)
	}

	out := filepath.Join(params.OutputDir, "t1.nii.gz")
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("Failed to read t1.nii.gz: %v", err)
	}
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		t.Error("Expected t1.nii.gz to be gzip compressed")
	}

	vol, err := nifti.Read(out)
	if err != nil {
		t.Fatalf("Failed to read t1.nii.gz: %v", err)
	}
	if !reflect.DeepEqual(vol.Shape, []int{6, 6, 4}) || vol.Data[0] != 100 {
		t.Errorf("Unexpected anatomical content: shape %v value %f", vol.Shape, vol.Data[0])
	}

	info, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("Expected mode 0644, got %o", info.Mode().Perm())
	}
}

func TestProcessLogsEachAnatomicalCandidateOnce(t *testing.T) {
	d := newDataset(t)
	params := testParams(t, d)
	logger, hook := test.NewNullLogger()

	if _, err := NewPreparer(params, logger).Process(context.Background()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	seen := map[string]int{}
	for _, entry := range hook.AllEntries() {
		switch entry.Message {
		case "Anatomical candidate", "Skipping anatomical candidate":
			file, _ := entry.Data["file"].(string)
			seen[file]++
		}
	}

	tests := []struct {
		file string
		want int
	}{
		{plainT1, 1},
		{mprageT1, 1},
		{flairT1, 1},
	}
	for _, tt := range tests {
		if seen[tt.file] != tt.want {
			t.Errorf("Expected %d candidate entries for %s, got %d", tt.want, tt.file, seen[tt.file])
		}
	}
}

func TestProcessExcludesMismatchedShape(t *testing.T) {
	d := newDataset(t)
	odd := "sub-01_ses-1_run-3_dwi.nii.gz"
	if err := d.addImage(odd, []int{5, 4, 3, 2}, 30, map[string]any{"PhaseEncodingDirection": "j"}); err != nil {
		t.Fatal(err)
	}
	if err := d.addGradients(odd, []float64{0, 3000}, 3); err != nil {
		t.Fatal(err)
	}

	params := testParams(t, d)
	result, err := NewPreparer(params, quietLogger()).Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(result.Excluded) != 1 || result.Excluded[0].Filename != odd {
		t.Fatalf("Expected %s to be excluded, got %v", odd, result.Excluded)
	}
	if !reflect.DeepEqual(result.Profile.Shells, []int{0, 1000, 2000}) {
		t.Errorf("Excluded shell leaked into profile: %v", result.Profile.Shells)
	}
}

func TestProcessPassthrough(t *testing.T) {
	d := dataset{root: t.TempDir()}
	if err := d.addImage(plainT1, []int{6, 6, 4}, 100, nil); err != nil {
		t.Fatal(err)
	}
	if err := d.addImage(forward1, dwiShape, 10, map[string]any{"PhaseEncodingAxis": "j"}); err != nil {
		t.Fatal(err)
	}
	if err := d.addGradients(forward1, []float64{0, 1000, 1000, 1000}, 1); err != nil {
		t.Fatal(err)
	}

	params := testParams(t, d)
	result, err := NewPreparer(params, quietLogger()).Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if !result.Passthrough || result.ReversePE {
		t.Errorf("Expected passthrough without reverse reference, got %+v", result)
	}
	if result.ReadoutTime != 0.062 {
		t.Errorf("Expected default readout 0.062, got %f", result.ReadoutTime)
	}

	stem := strings.TrimSuffix(d.imagePath(forward1), ".nii.gz")
	pairs := map[string]string{
		d.imagePath(forward1): "dwi.nii.gz",
		stem + ".bval":        "bval",
		stem + ".bvec":        "bvec",
	}
	for src, name := range pairs {
		same, err := sameContent(src, filepath.Join(params.OutputDir, name))
		if err != nil || !same {
			t.Errorf("Expected %s to be a verbatim copy (err=%v)", name, err)
		}
	}
	if fileExists(filepath.Join(params.OutputDir, "rev_b0.nii.gz")) {
		t.Error("Did not expect a reverse reference")
	}
}

func TestProcessHonorsFilterFile(t *testing.T) {
	d := newDataset(t)
	params := testParams(t, d)

	filter := `{"t1w": {"acquisition": "mprage"}, "dwi": {"run": 1}}`
	if err := os.WriteFile(bids.FilterPath(params.Config.Filter.Dir, "1"), []byte(filter), 0644); err != nil {
		t.Fatalf("Failed to write filter: %v", err)
	}

	result, err := NewPreparer(params, quietLogger()).Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.Anatomical != mprageT1 {
		t.Errorf("Expected filter to select %s, got %s", mprageT1, result.Anatomical)
	}
	if !result.Passthrough || !reflect.DeepEqual(result.Included, []string{forward1}) {
		t.Errorf("Expected only %s to pass the filter, got %v", forward1, result.Included)
	}
}

func TestProcessErrors(t *testing.T) {
	tests := []struct {
		name    string
		build   func(d dataset) error
		wantErr error
	}{
		{
			name: "only flair anatomical",
			build: func(d dataset) error {
				return d.addImage(flairT1, []int{6, 6, 4}, 1, nil)
			},
			wantErr: anat.ErrNoValidAnatomical,
		},
		{
			name: "missing phase encoding",
			build: func(d dataset) error {
				if err := d.addImage(plainT1, []int{6, 6, 4}, 1, nil); err != nil {
					return err
				}
				return d.addImage(forward1, dwiShape, 1, map[string]any{"TotalReadoutTime": 0.05})
			},
			wantErr: dwi.ErrIncompleteSidecar,
		},
		{
			name: "lone candidate without gradients",
			build: func(d dataset) error {
				if err := d.addImage(plainT1, []int{6, 6, 4}, 1, nil); err != nil {
					return err
				}
				return d.addImage(forward1, dwiShape, 1, map[string]any{"PhaseEncodingDirection": "j"})
			},
			wantErr: dwi.ErrNoGradientTable,
		},
		{
			name: "no diffusion images",
			build: func(d dataset) error {
				return d.addImage(plainT1, []int{6, 6, 4}, 1, nil)
			},
			wantErr: dwi.ErrNoDiffusionFiles,
		},
		{
			name: "three phase encoding directions",
			build: func(d dataset) error {
				if err := d.addImage(plainT1, []int{6, 6, 4}, 1, nil); err != nil {
					return err
				}
				for i, pe := range []string{"j", "j-", "i"} {
					name := fmt.Sprintf("sub-01_ses-1_run-%d_dwi.nii.gz", i+1)
					if err := d.addImage(name, dwiShape, 1, map[string]any{"PhaseEncodingDirection": pe}); err != nil {
						return err
					}
				}
				return nil
			},
			wantErr: dwi.ErrUnsupportedMultiDirection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := dataset{root: t.TempDir()}
			if err := tt.build(d); err != nil {
				t.Fatalf("Failed to build dataset: %v", err)
			}

			_, err := NewPreparer(testParams(t, d), quietLogger()).Process(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if !IsInputError(err) {
				t.Errorf("Expected %v to be reported as an input error", err)
			}
		})
	}
}

func TestProcessNamesSessionInAnatomicalError(t *testing.T) {
	d := dataset{root: t.TempDir()}
	if err := d.addImage(flairT1, []int{6, 6, 4}, 1, nil); err != nil {
		t.Fatal(err)
	}

	_, err := NewPreparer(testParams(t, d), quietLogger()).Process(context.Background())
	if err == nil || !strings.Contains(err.Error(), "sub-01 ses-1") {
		t.Errorf("Expected participant and session in error, got %v", err)
	}
}

func TestProcessMissingParticipant(t *testing.T) {
	d := newDataset(t)
	params := testParams(t, d)
	params.Participant = "02"

	_, err := NewPreparer(params, quietLogger()).Process(context.Background())
	if !errors.Is(err, bids.ErrSubjectNotFound) {
		t.Errorf("Expected ErrSubjectNotFound, got %v", err)
	}
}

func TestProcessCancelled(t *testing.T) {
	d := newDataset(t)
	params := testParams(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPreparer(params, quietLogger()).Process(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if IsInputError(err) {
		t.Error("Cancellation is not an input error")
	}
	if fileExists(filepath.Join(params.OutputDir, "t1.nii.gz")) {
		t.Error("Expected no outputs after cancellation")
	}
}

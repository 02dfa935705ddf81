package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultResultPath is the default path of the registration result cache.
const DefaultResultPath = ".meshreg-result.json"

// ResultData is the persisted outcome of a registration run. Transform is
// set for rigid runs; Displacement for deforming runs.
type ResultData struct {
	RunID            string            `json:"runId"`
	Mode             Mode              `json:"mode"`
	MovingPath       string            `json:"movingPath,omitempty"`
	TargetPath       string            `json:"targetPath,omitempty"`
	Iterations       int               `json:"iterations"`
	Converged        bool              `json:"converged"`
	MeanInlierWeight float64           `json:"meanInlierWeight"`
	Transform        *Transform        `json:"transform,omitempty"`
	Displacement     DisplacementField `json:"displacement,omitempty"`
	ElapsedSeconds   float64           `json:"elapsedSeconds"`
	LastUpdated      int64             `json:"lastUpdated"`
}

// RigidResultData converts a rigid result for persisting.
func RigidResultData(r RigidResult) *ResultData {
	t := r.Transform
	return &ResultData{
		RunID:            r.RunID,
		Mode:             ModeRigid,
		Iterations:       r.Iterations,
		Converged:        r.Converged,
		MeanInlierWeight: r.MeanInlierWeight,
		Transform:        &t,
		ElapsedSeconds:   r.Elapsed.Seconds(),
	}
}

// DeformResultData converts a non-rigid or fast deform result for persisting.
func DeformResultData(mode Mode, r NonRigidResult) *ResultData {
	return &ResultData{
		RunID:            r.RunID,
		Mode:             mode,
		Iterations:       r.Iterations,
		Converged:        true,
		MeanInlierWeight: r.MeanInlierWeight,
		Displacement:     r.Displacement,
		ElapsedSeconds:   r.Elapsed.Seconds(),
	}
}

// LoadResult loads a registration result from a JSON cache file. A missing
// file is not an error and returns nil.
func LoadResult(path string) (*ResultData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No result file yet
		}
		return nil, fmt.Errorf("reading result file: %w", err)
	}

	var res ResultData
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parsing result file: %w", err)
	}

	return &res, nil
}

// SaveResult saves a registration result to a JSON cache file
func SaveResult(path string, res *ResultData) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating result directory: %w", err)
	}

	res.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result data: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing result file: %w", err)
	}

	return nil
}

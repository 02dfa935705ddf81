package mesh

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
)

// CompressedExt marks mesh files stored as zlib-compressed JSON.
const CompressedExt = ".z"

// meshFile is the JSON layout of a mesh on disk.
type meshFile struct {
	Vertices [][3]float64 `json:"vertices"`
	Normals  [][3]float64 `json:"normals,omitempty"`
	Faces    [][3]int     `json:"faces,omitempty"`
	Flags    []float64    `json:"flags,omitempty"`
}

// LoadMesh reads a mesh file. Files ending in CompressedExt are inflated
// first.
func LoadMesh(path string) (*Mesh, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mesh file: %w", err)
	}
	m, err := DecodeMesh(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// DecodeMesh decodes mesh data from either format:
// - Raw JSON
// - Zlib-compressed JSON
//
// Normals are recomputed from the faces when the file carries none and
// normalized otherwise. A vertex left without a normal is an error.
func DecodeMesh(data []byte) (*Mesh, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}

	jsonBytes := data
	if data[0] != '{' {
		var err error
		jsonBytes, err = inflateZlib(data)
		if err != nil {
			return nil, fmt.Errorf("unknown format: not JSON or zlib-compressed JSON")
		}
	}

	var f meshFile
	if err := json.Unmarshal(jsonBytes, &f); err != nil {
		return nil, fmt.Errorf("parsing mesh JSON: %w", err)
	}
	return f.toMesh()
}

func (f *meshFile) toMesh() (*Mesh, error) {
	if len(f.Vertices) == 0 {
		return nil, ErrEmptyPointSet
	}
	positions := make([]mgl64.Vec3, len(f.Vertices))
	for i, v := range f.Vertices {
		positions[i] = mgl64.Vec3(v)
	}
	var normals []mgl64.Vec3
	if len(f.Normals) > 0 {
		normals = make([]mgl64.Vec3, len(f.Normals))
		for i, n := range f.Normals {
			normals[i] = mgl64.Vec3(n)
		}
	}
	features, err := NewFeatureSet(positions, normals)
	if err != nil {
		return nil, err
	}
	faces := make(FaceList, len(f.Faces))
	for i, fc := range f.Faces {
		faces[i] = Face(fc)
	}

	m, err := NewMesh(features, faces, FlagVector(f.Flags))
	if err != nil {
		return nil, err
	}
	if normals == nil && len(faces) > 0 {
		if err := m.RecomputeNormals(); err != nil {
			return nil, err
		}
	}
	for i := 0; i < m.Len(); i++ {
		nrm := m.Features.Normal(i)
		l := nrm.Len()
		if l == 0 {
			return nil, fmt.Errorf("vertex %d: %w", i, ErrMissingNormal)
		}
		m.Features.SetNormal(i, nrm.Mul(1/l))
	}
	return m, nil
}

// EncodeMesh returns the JSON encoding of m.
func EncodeMesh(m *Mesh) ([]byte, error) {
	n := m.Len()
	f := meshFile{
		Vertices: make([][3]float64, n),
		Normals:  make([][3]float64, n),
		Faces:    make([][3]int, len(m.Faces)),
		Flags:    m.Flags,
	}
	for i := 0; i < n; i++ {
		f.Vertices[i] = m.Features.Position(i)
		f.Normals[i] = m.Features.Normal(i)
	}
	for i, fc := range m.Faces {
		f.Faces[i] = fc
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling mesh: %w", err)
	}
	return data, nil
}

// SaveMesh writes m to path as JSON, zlib-compressed when path ends in
// CompressedExt.
func SaveMesh(path string, m *Mesh) error {
	data, err := EncodeMesh(m)
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, CompressedExt) {
		if data, err = deflateZlib(data); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating mesh directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing mesh file: %w", err)
	}
	return nil
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	return out, nil
}

func deflateZlib(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compressing: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing: %w", err)
	}
	return buf.Bytes(), nil
}

package mesh

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Transform is a 4x4 homogeneous similarity transform.
// The upper 3x3 block holds scale*rotation, column 3 holds the translation and
// the bottom-right entry holds the scale so the rotation can be recovered.
type Transform mgl64.Mat4

// IdentityTransform returns the transform with unit rotation, zero
// translation and unit scale.
func IdentityTransform() Transform {
	return Transform(mgl64.Ident4())
}

// NewTransform packs a rotation, uniform scale and translation.
func NewTransform(rotation mgl64.Mat3, scale float64, translation mgl64.Vec3) Transform {
	var m mgl64.Mat4
	block := rotation.Mul(scale)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, block.At(r, c))
		}
		m.Set(r, 3, translation[r])
	}
	m.Set(3, 3, scale)
	return Transform(m)
}

// Translation creates a translation-only transform
func Translation(tx, ty, tz float64) Transform {
	return NewTransform(mgl64.Ident3(), 1, mgl64.Vec3{tx, ty, tz})
}

// Rotation creates a rotation about an axis through the origin (angle in radians)
func Rotation(angle float64, axis mgl64.Vec3) Transform {
	return NewTransform(mgl64.HomogRotate3D(angle, axis.Normalize()).Mat3(), 1, mgl64.Vec3{})
}

// Mat4 returns the raw matrix.
func (t Transform) Mat4() mgl64.Mat4 { return mgl64.Mat4(t) }

// Scale returns the uniform scale factor.
func (t Transform) Scale() float64 { return mgl64.Mat4(t).At(3, 3) }

// Block returns the scale*rotation block.
func (t Transform) Block() mgl64.Mat3 { return mgl64.Mat4(t).Mat3() }

// Rotation returns the pure rotation, i.e. the block divided by the scale.
func (t Transform) Rotation() mgl64.Mat3 {
	s := t.Scale()
	if s == 0 {
		return t.Block()
	}
	return t.Block().Mul(1 / s)
}

// Translation returns the translation column.
func (t Transform) Translation() mgl64.Vec3 {
	return mgl64.Mat4(t).Col(3).Vec3()
}

// ApplyPoint maps a position: block*p + translation.
func (t Transform) ApplyPoint(p mgl64.Vec3) mgl64.Vec3 {
	return t.Block().Mul3x1(p).Add(t.Translation())
}

// ApplyNormal rotates a normal. Scale and translation do not apply.
func (t Transform) ApplyNormal(n mgl64.Vec3) mgl64.Vec3 {
	return t.Rotation().Mul3x1(n)
}

// Compose returns the transform that applies b first, then a.
func Compose(a, b Transform) Transform {
	ab := a.Block()
	block := ab.Mul3(b.Block())
	trans := ab.Mul3x1(b.Translation()).Add(a.Translation())
	scale := a.Scale() * b.Scale()

	var m mgl64.Mat4
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, block.At(r, c))
		}
		m.Set(r, 3, trans[r])
	}
	m.Set(3, 3, scale)
	return Transform(m)
}

// Inverse inverts rotation and scale and negates the rotated translation.
// A zero-scale transform has no inverse; identity is returned in that case.
func (t Transform) Inverse() Transform {
	s := t.Scale()
	if math.Abs(s) < 1e-12 {
		return IdentityTransform()
	}
	rt := t.Rotation().Transpose()
	return NewTransform(rt, 1/s, rt.Mul(1/s).Mul3x1(t.Translation()).Mul(-1))
}

// IsNearIdentity reports whether every entry is within tol of the identity.
func (t Transform) IsNearIdentity(tol float64) bool {
	return mgl64.Mat4(t).ApproxFuncEqual(mgl64.Ident4(), func(a, b float64) bool {
		return math.Abs(a-b) <= tol
	})
}

// TransformFeatures returns a transformed copy of ps. Positions are mapped
// through the full transform, normals through the rotation only.
func TransformFeatures(ps *PointSet, t Transform) *PointSet {
	out := ps.Clone()
	block := t.Block()
	rot := t.Rotation()
	trans := t.Translation()
	for i := 0; i < ps.Len(); i++ {
		out.SetPosition(i, block.Mul3x1(ps.Position(i)).Add(trans))
		if ps.HasNormals() {
			out.SetNormal(i, rot.Mul3x1(ps.Normal(i)))
		}
	}
	return out
}

// ApplyTransform transforms the mesh features in place.
func (m *Mesh) ApplyTransform(t Transform) {
	// Same shape, cannot fail.
	_ = m.Features.CopyFrom(TransformFeatures(m.Features, t))
}

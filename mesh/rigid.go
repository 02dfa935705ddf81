package mesh

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SolveRigidTransform computes the similarity transform that minimizes the
// weighted squared distance between transformed floating positions and their
// corresponding positions (Horn's quaternion method). With useScaling false
// the scale is fixed at 1. Only the position columns are used.
func SolveRigidTransform(floating, corresponding *PointSet, w []float64, useScaling bool) (Transform, error) {
	n := floating.Len()
	if n == 0 {
		return IdentityTransform(), ErrEmptyPointSet
	}
	if corresponding.Len() != n || len(w) != n {
		return IdentityTransform(), fmt.Errorf("%d floating, %d corresponding, %d weights: %w",
			n, corresponding.Len(), len(w), ErrDimensionMismatch)
	}
	wsum := floats.Sum(w)
	if wsum <= 0 {
		return IdentityTransform(), ErrZeroWeightSum
	}

	var fwm, cwm mgl64.Vec3
	for i := 0; i < n; i++ {
		fwm = fwm.Add(floating.Position(i).Mul(w[i]))
		cwm = cwm.Add(corresponding.Position(i).Mul(w[i]))
	}
	fwm = fwm.Mul(1 / wsum)
	cwm = cwm.Mul(1 / wsum)

	// Weighted cross-covariance of floating against corresponding.
	var cv mgl64.Mat3
	for i := 0; i < n; i++ {
		cv = cv.Add(floating.Position(i).OuterProd3(corresponding.Position(i)).Mul(w[i]))
	}
	cv = cv.Mul(1 / wsum).Sub(fwm.OuterProd3(cwm))

	rot, err := rotationFromCovariance(cv)
	if err != nil {
		return IdentityTransform(), err
	}

	scale := 1.0
	if useScaling {
		var num, den float64
		for i := 0; i < n; i++ {
			nfp := rot.Mul3x1(floating.Position(i).Sub(fwm))
			ncp := corresponding.Position(i).Sub(cwm)
			num += w[i] * ncp.Dot(nfp)
			den += w[i] * nfp.Dot(nfp)
		}
		// All weighted floating points coincide: scale is unobservable.
		if den > 0 {
			scale = num / den
		}
	}

	t := cwm.Sub(rot.Mul3x1(fwm).Mul(scale))
	return NewTransform(rot, scale, t), nil
}

// rotationFromCovariance builds the symmetric 4x4 key matrix of the
// covariance and converts the eigenvector of its largest eigenvalue, a unit
// quaternion (w, x, y, z), into a rotation matrix.
func rotationFromCovariance(cv mgl64.Mat3) (mgl64.Mat3, error) {
	asym := cv.Sub(cv.Transpose())
	delta := mgl64.Vec3{asym.At(1, 2), asym.At(2, 0), asym.At(0, 1)}
	tr := cv.Trace()
	lower := cv.Add(cv.Transpose()).Sub(mgl64.Ident3().Mul(tr))

	q := mat.NewSymDense(4, nil)
	q.SetSym(0, 0, tr)
	for i := 0; i < 3; i++ {
		q.SetSym(0, i+1, delta[i])
		for j := i; j < 3; j++ {
			q.SetSym(i+1, j+1, lower.At(i, j))
		}
	}

	var es mat.EigenSym
	if ok := es.Factorize(q, true); !ok {
		return mgl64.Ident3(), errors.New("eigen decomposition of rotation key matrix failed")
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	// Values are ascending; the last column belongs to the largest.
	quat := mgl64.Quat{
		W: vecs.At(0, 3),
		V: mgl64.Vec3{vecs.At(1, 3), vecs.At(2, 3), vecs.At(3, 3)},
	}
	return quat.Normalize().Mat4().Mat3(), nil
}

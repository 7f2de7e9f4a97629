package model

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// rankTolerance is the relative singular value cut-off for least squares.
const rankTolerance = 1e-10

// Linear is ordinary least squares solved by SVD. Collinear features get the
// minimum-norm solution instead of failing.
type Linear struct {
	Intercept float64   `json:"intercept"`
	Coef      []float64 `json:"coef"`
}

// Fit solves min ||[1 X]w - y||.
func (l *Linear) Fit(X [][]float64, y []float64) error {
	n, p, err := shape(X, y)
	if err != nil {
		return err
	}

	a := mat.NewDense(n, p+1, nil)
	for i, row := range X {
		a.Set(i, 0, 1)
		for j, v := range row {
			a.Set(i, j+1, v)
		}
	}
	b := mat.NewDense(n, 1, append([]float64(nil), y...))

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return fmt.Errorf("linear: SVD factorization failed")
	}
	rank := svd.Rank(rankTolerance)
	if rank == 0 {
		return fmt.Errorf("linear: design matrix has rank 0")
	}

	var w mat.Dense
	svd.SolveTo(&w, b, rank)

	l.Intercept = w.At(0, 0)
	l.Coef = make([]float64, p)
	for j := range l.Coef {
		l.Coef[j] = w.At(j+1, 0)
	}
	return nil
}

func (l *Linear) Kind() string { return KindLinear }

// Predict returns intercept + coef·x.
func (l *Linear) Predict(x []float64) float64 {
	return l.Intercept + floats.Dot(l.Coef, x)
}

// Ridge is L2-penalised least squares with an unpenalised intercept.
type Ridge struct {
	Alpha     float64   `json:"alpha"`
	Intercept float64   `json:"intercept"`
	Coef      []float64 `json:"coef"`
}

// Fit solves (XcᵀXc + αI)w = Xcᵀyc on centred data via Cholesky.
func (r *Ridge) Fit(X [][]float64, y []float64) error {
	n, p, err := shape(X, y)
	if err != nil {
		return err
	}

	means := make([]float64, p)
	for _, row := range X {
		floats.Add(means, row)
	}
	floats.Scale(1/float64(n), means)
	yMean := floats.Sum(y) / float64(n)

	xc := mat.NewDense(n, p, nil)
	yc := make([]float64, n)
	for i, row := range X {
		for j, v := range row {
			xc.Set(i, j, v-means[j])
		}
		yc[i] = y[i] - yMean
	}

	var gram mat.SymDense
	gram.SymOuterK(1, xc.T())
	// A zero alpha still needs a tiny ridge for rank-deficient designs.
	alpha := r.Alpha
	if alpha == 0 {
		alpha = rankTolerance
	}
	for j := 0; j < p; j++ {
		gram.SetSym(j, j, gram.At(j, j)+alpha)
	}

	var xty mat.VecDense
	xty.MulVec(xc.T(), mat.NewVecDense(n, yc))

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return fmt.Errorf("ridge: gram matrix is not positive definite")
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, &xty); err != nil {
		return fmt.Errorf("ridge: solve: %w", err)
	}

	r.Coef = make([]float64, p)
	for j := range r.Coef {
		r.Coef[j] = w.AtVec(j)
	}
	r.Intercept = yMean - floats.Dot(means, r.Coef)
	return nil
}

func (r *Ridge) Kind() string { return KindRidge }

// Predict returns intercept + coef·x.
func (r *Ridge) Predict(x []float64) float64 {
	return r.Intercept + floats.Dot(r.Coef, x)
}

func shape(X [][]float64, y []float64) (int, int, error) {
	if len(X) == 0 {
		return 0, 0, fmt.Errorf("no training rows")
	}
	if len(X) != len(y) {
		return 0, 0, fmt.Errorf("rows and targets length mismatch: %d vs %d", len(X), len(y))
	}
	p := len(X[0])
	for i, row := range X {
		if len(row) != p {
			return 0, 0, fmt.Errorf("row %d has %d features, want %d", i, len(row), p)
		}
	}
	return len(X), p, nil
}

package posegraph

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// block is a row-major 6x6 matrix.
type block [36]float64

// blockSystem holds the Gauss-Newton normal equations H*delta = -grad with H
// stored as 6x6 blocks: one per node on the diagonal and one per connected
// node pair (i < j) above it.
type blockSystem struct {
	n    int
	diag []block
	off  map[[2]int]*block
	keys [][2]int // off-diagonal blocks in first-touch order
	grad []float64
}

func newBlockSystem(n int) *blockSystem {
	return &blockSystem{
		n:    n,
		diag: make([]block, n),
		off:  make(map[[2]int]*block),
		grad: make([]float64, 6*n),
	}
}

// accumulate adds J^T*W*J and J^T*W*r of one factor.
func (s *blockSystem) accumulate(f Factor, lin linearization) {
	_, cols := lin.jac.Dims()
	weighted := mat.NewDense(6, cols, nil)
	weighted.Apply(func(i, _ int, v float64) float64 {
		return v * f.Information[i]
	}, lin.jac)

	var h mat.Dense
	h.Mul(lin.jac.T(), weighted)
	wr := make([]float64, cols)
	for c := 0; c < cols; c++ {
		for r := 0; r < 6; r++ {
			wr[c] += weighted.At(r, c) * lin.res[r]
		}
	}

	if cols == 6 {
		addBlock(&s.diag[f.To], &h, 0, 0, false)
		floats.Add(s.grad[6*f.To:6*f.To+6], wr)
		return
	}

	addBlock(&s.diag[f.From], &h, 0, 0, false)
	addBlock(&s.diag[f.To], &h, 6, 6, false)
	floats.Add(s.grad[6*f.From:6*f.From+6], wr[:6])
	floats.Add(s.grad[6*f.To:6*f.To+6], wr[6:])

	i, j := f.From, f.To
	if i < j {
		addBlock(s.offBlock(i, j), &h, 0, 6, false)
	} else {
		addBlock(s.offBlock(j, i), &h, 0, 6, true)
	}
}

func (s *blockSystem) offBlock(i, j int) *block {
	key := [2]int{i, j}
	b, ok := s.off[key]
	if !ok {
		b = new(block)
		s.off[key] = b
		s.keys = append(s.keys, key)
	}
	return b
}

// addBlock adds the 6x6 sub-matrix of h at (r0, c0), transposed if asked.
func addBlock(dst *block, h *mat.Dense, r0, c0 int, transpose bool) {
	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			v := h.At(r0+r, c0+c)
			if transpose {
				dst[c*6+r] += v
			} else {
				dst[r*6+c] += v
			}
		}
	}
}

// mulVec computes y = (H + lambda*diag(H)) * x.
func (s *blockSystem) mulVec(lambda float64, x, y []float64) {
	for i := range y {
		y[i] = 0
	}
	for i := 0; i < s.n; i++ {
		d := &s.diag[i]
		xi := x[6*i : 6*i+6]
		yi := y[6*i : 6*i+6]
		for r := 0; r < 6; r++ {
			var acc float64
			for c := 0; c < 6; c++ {
				acc += d[r*6+c] * xi[c]
			}
			yi[r] += acc + lambda*d[r*6+r]*xi[r]
		}
	}
	for _, key := range s.keys {
		b := s.off[key]
		i, j := key[0], key[1]
		xi, xj := x[6*i:6*i+6], x[6*j:6*j+6]
		yi, yj := y[6*i:6*i+6], y[6*j:6*j+6]
		for r := 0; r < 6; r++ {
			for c := 0; c < 6; c++ {
				v := b[r*6+c]
				yi[r] += v * xj[c]
				yj[c] += v * xi[r]
			}
		}
	}
}

// preconditioner inverts the damped diagonal blocks. Blocks whose Cholesky
// factorization fails fall back to scalar Jacobi.
type preconditioner struct {
	chol []mat.Cholesky
	ok   []bool
	inv  [][6]float64
}

func (s *blockSystem) preconditioner(lambda float64) *preconditioner {
	p := &preconditioner{
		chol: make([]mat.Cholesky, s.n),
		ok:   make([]bool, s.n),
		inv:  make([][6]float64, s.n),
	}
	for i := 0; i < s.n; i++ {
		d := s.diag[i]
		for k := 0; k < 6; k++ {
			d[k*6+k] *= 1 + lambda
			if v := d[k*6+k]; v > 0 {
				p.inv[i][k] = 1 / v
			} else {
				p.inv[i][k] = 1
			}
		}
		sym := mat.NewSymDense(6, nil)
		for r := 0; r < 6; r++ {
			for c := r; c < 6; c++ {
				sym.SetSym(r, c, 0.5*(d[r*6+c]+d[c*6+r]))
			}
		}
		p.ok[i] = p.chol[i].Factorize(sym)
	}
	return p
}

func (p *preconditioner) apply(r, z []float64) {
	for i := range p.chol {
		ri, zi := r[6*i:6*i+6], z[6*i:6*i+6]
		if p.ok[i] {
			err := p.chol[i].SolveVecTo(mat.NewVecDense(6, zi), mat.NewVecDense(6, ri))
			var cond mat.Condition
			if err == nil || errors.As(err, &cond) {
				continue
			}
		}
		for k := 0; k < 6; k++ {
			zi[k] = ri[k] * p.inv[i][k]
		}
	}
}

// solve returns delta for (H + lambda*diag(H)) * delta = rhs using
// conjugate gradient with a block-Jacobi preconditioner.
func (s *blockSystem) solve(lambda float64, rhs []float64) []float64 {
	dim := len(rhs)
	x := make([]float64, dim)
	r := append([]float64(nil), rhs...)
	z := make([]float64, dim)
	ap := make([]float64, dim)

	bnorm := floats.Norm(rhs, 2)
	if bnorm == 0 {
		return x
	}
	pre := s.preconditioner(lambda)
	pre.apply(r, z)
	p := append([]float64(nil), z...)
	rz := floats.Dot(r, z)

	iterations := min(maxCGIterations, max(50, dim))
	for k := 0; k < iterations; k++ {
		s.mulVec(lambda, p, ap)
		pap := floats.Dot(p, ap)
		if pap <= 0 || math.IsNaN(pap) {
			break
		}
		alpha := rz / pap
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)
		if floats.Norm(r, 2) <= cgTolerance*bnorm {
			break
		}
		pre.apply(r, z)
		rzNext := floats.Dot(r, z)
		beta := rzNext / rz
		rz = rzNext
		floats.AddScaledTo(p, z, beta, p)
	}
	return x
}

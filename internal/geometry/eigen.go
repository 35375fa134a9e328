package geometry

import "math"

const (
	jacobiMaxSweeps = 64
	jacobiTol       = 1e-12
)

// symmetricEigen diagonalizes the symmetric matrix a with cyclic Jacobi
// rotations, returning eigenvalues and matching unit eigenvectors as
// rows. Order is unspecified; callers sort. a is left untouched.
func symmetricEigen(a [][]float64) ([]float64, [][]float64) {
	n := len(a)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		copy(m[i], a[i])
	}

	// Eigenvector accumulator; columns track the applied rotations.
	q := make([][]float64, n)
	for i := range q {
		q[i] = make([]float64, n)
		q[i][i] = 1
	}

	for sweep := 0; sweep < jacobiMaxSweeps; sweep++ {
		if offDiagonal(m) < jacobiTol {
			break
		}
		for p := 0; p < n-1; p++ {
			for r := p + 1; r < n; r++ {
				rotate(m, q, p, r)
			}
		}
	}

	values := make([]float64, n)
	for i := range values {
		values[i] = m[i][i]
	}
	vectors := make([][]float64, n)
	for i := range vectors {
		vectors[i] = make([]float64, n)
		for k := 0; k < n; k++ {
			vectors[i][k] = q[k][i]
		}
	}
	return values, vectors
}

// rotate annihilates m[p][r] with a Givens rotation, updating m on both
// sides and accumulating the rotation into q's columns.
func rotate(m, q [][]float64, p, r int) {
	apr := m[p][r]
	if math.Abs(apr) < 1e-15 {
		m[p][r] = 0
		m[r][p] = 0
		return
	}

	theta := (m[r][r] - m[p][p]) / (2 * apr)
	t := 1 / (math.Abs(theta) + math.Sqrt(theta*theta+1))
	if theta < 0 {
		t = -t
	}
	c := 1 / math.Sqrt(t*t+1)
	s := t * c

	n := len(m)
	for k := 0; k < n; k++ {
		mkp, mkr := m[k][p], m[k][r]
		m[k][p] = c*mkp - s*mkr
		m[k][r] = s*mkp + c*mkr
	}
	for k := 0; k < n; k++ {
		mpk, mrk := m[p][k], m[r][k]
		m[p][k] = c*mpk - s*mrk
		m[r][k] = s*mpk + c*mrk
	}
	for k := 0; k < n; k++ {
		qkp, qkr := q[k][p], q[k][r]
		q[k][p] = c*qkp - s*qkr
		q[k][r] = s*qkp + c*qkr
	}
}

func offDiagonal(m [][]float64) float64 {
	var sum float64
	for i := range m {
		for j := range m[i] {
			if i != j {
				sum += m[i][j] * m[i][j]
			}
		}
	}
	return math.Sqrt(sum)
}

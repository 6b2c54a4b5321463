package ranking

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Standardize scales every column of features to zero mean and unit
// population variance in place. Constant columns become zero.
func Standardize(features [][]float64) {
	if len(features) == 0 {
		return
	}
	d := len(features[0])
	col := make([]float64, len(features))
	for j := 0; j < d; j++ {
		for i, row := range features {
			col[i] = row[j]
		}
		mean, variance := stat.PopMeanVariance(col, nil)
		std := math.Sqrt(variance)
		for _, row := range features {
			if std == 0 {
				row[j] = 0
				continue
			}
			row[j] = (row[j] - mean) / std
		}
	}
}

// pcaFit holds the principal directions of a feature matrix.
type pcaFit struct {
	vars    []float64
	vectors *mat.Dense
	data    *mat.Dense
}

func fitPCA(features [][]float64) (*pcaFit, bool) {
	n, d := len(features), len(features[0])
	flat := make([]float64, 0, n*d)
	for _, row := range features {
		flat = append(flat, row...)
	}
	data := mat.NewDense(n, d, flat)

	var pc stat.PC
	if ok := pc.PrincipalComponents(data, nil); !ok {
		return nil, false
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	return &pcaFit{vars: pc.VarsTo(nil), vectors: &vecs, data: data}, true
}

// ExplainedVarianceRatio returns each component's share of total variance,
// in descending order. A zero-variance input yields all zeros.
func ExplainedVarianceRatio(vars []float64) []float64 {
	var total float64
	for _, v := range vars {
		total += v
	}
	ratios := make([]float64, len(vars))
	if total == 0 {
		return ratios
	}
	for i, v := range vars {
		ratios[i] = v / total
	}
	return ratios
}

// SelectComponents returns the smallest component count whose cumulative
// explained variance exceeds threshold, clamped to [2, len(ratios)]. When
// no prefix exceeds the threshold every component is kept.
func SelectComponents(ratios []float64, threshold float64) int {
	d := len(ratios)
	n := d
	var cum float64
	for i, r := range ratios {
		cum += r
		if cum > threshold {
			n = i + 1
			break
		}
	}
	if n < 2 {
		n = 2
	}
	if n > d {
		n = d
	}
	return n
}

// project maps the centred data onto the first nc principal directions.
func (p *pcaFit) project(nc int) [][]float64 {
	n, d := p.data.Dims()
	centred := mat.DenseCopyOf(p.data)
	for j := 0; j < d; j++ {
		col := mat.Col(nil, j, centred)
		mean := stat.Mean(col, nil)
		for i := 0; i < n; i++ {
			centred.Set(i, j, col[i]-mean)
		}
	}

	var proj mat.Dense
	proj.Mul(centred, p.vectors.Slice(0, d, 0, nc))

	out := make([][]float64, n)
	for i := range out {
		out[i] = mat.Row(nil, i, &proj)
	}
	return out
}

package weights

import (
	"math"

	"segtiles/pkg/grid"
)

// Label performs connected-component labeling of the pixels where mask is true.
// Components are face-connected (4-connectivity in 2D, 6 in 3D). Components are
// numbered 1..n in row-major order of their first pixel; the background is 0.
func Label(mask *grid.Grid[bool]) (*grid.Grid[int32], int) {
	out := grid.New[int32](mask.Shape...)
	strides := mask.Strides()
	coords := make([]int, mask.NDim())
	queue := make([]int, 0, 64)

	var n int32
	for start, set := range mask.Data {
		if !set || out.Data[start] != 0 {
			continue
		}
		n++
		out.Data[start] = n
		queue = append(queue[:0], start)

		// Breadth-first flood fill over the face neighbours
		for len(queue) > 0 {
			idx := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			grid.Unravel(idx, mask.Shape, coords)
			for d := range coords {
				if coords[d] > 0 {
					if nb := idx - strides[d]; mask.Data[nb] && out.Data[nb] == 0 {
						out.Data[nb] = n
						queue = append(queue, nb)
					}
				}
				if coords[d] < mask.Shape[d]-1 {
					if nb := idx + strides[d]; mask.Data[nb] && out.Data[nb] == 0 {
						out.Data[nb] = n
						queue = append(queue, nb)
					}
				}
			}
		}
	}
	return out, int(n)
}

// neighbourOffsets returns the coordinate offsets of the full 3^n neighbourhood
// without the centre.
func neighbourOffsets(ndim int) [][]int {
	total := int(math.Pow(3, float64(ndim)))
	offsets := make([][]int, 0, total-1)
	for k := 0; k < total; k++ {
		off := make([]int, ndim)
		rest := k
		zero := true
		for d := ndim - 1; d >= 0; d-- {
			off[d] = rest%3 - 1
			rest /= 3
			if off[d] != 0 {
				zero = false
			}
		}
		if !zero {
			offsets = append(offsets, off)
		}
	}
	return offsets
}

// touches reports whether any pixel in the 3^n neighbourhood of idx has the value
// class in labels.
func touches(labels *grid.Grid[int32], strides []int, idx int, class int32, offsets [][]int, coords []int) bool {
	grid.Unravel(idx, labels.Shape, coords)
	for _, off := range offsets {
		nb := idx
		inside := true
		for d, o := range off {
			c := coords[d] + o
			if c < 0 || c >= labels.Shape[d] {
				inside = false
				break
			}
			nb += o * strides[d]
		}
		if inside && labels.Data[nb] == class {
			return true
		}
	}
	return false
}

// DistanceTransform returns, for every element, the squared Euclidean distance to
// the nearest element where target is true. Elements with no target anywhere in
// the grid get +Inf.
//
// The transform is exact. It runs the lower-envelope-of-parabolas algorithm of
// Felzenszwalb and Huttenlocher once along every axis, which keeps the cost linear
// in the number of elements.
func DistanceTransform(target *grid.Grid[bool]) []float64 {
	dist := make([]float64, target.Len())
	for i, t := range target.Data {
		if t {
			dist[i] = 0
		} else {
			dist[i] = math.Inf(1)
		}
	}

	strides := target.Strides()
	for axis, n := range target.Shape {
		if n == 0 {
			continue
		}
		f := make([]float64, n)
		out := make([]float64, n)
		v := make([]int, n)
		z := make([]float64, n+1)
		stride := strides[axis]

		// Visit every line parallel to axis
		lines := target.Len() / n
		lineShape := make([]int, 0, target.NDim()-1)
		lineStrides := make([]int, 0, target.NDim()-1)
		for d, s := range target.Shape {
			if d != axis {
				lineShape = append(lineShape, s)
				lineStrides = append(lineStrides, strides[d])
			}
		}
		coords := make([]int, len(lineShape))
		for line := 0; line < lines; line++ {
			grid.Unravel(line, lineShape, coords)
			base := 0
			for d, c := range coords {
				base += c * lineStrides[d]
			}
			for i := 0; i < n; i++ {
				f[i] = dist[base+i*stride]
			}
			lowerEnvelope(f, out, v, z)
			for i := 0; i < n; i++ {
				dist[base+i*stride] = out[i]
			}
		}
	}
	return dist
}

// lowerEnvelope computes the 1D squared distance transform of f into out.
func lowerEnvelope(f, out []float64, v []int, z []float64) {
	n := len(f)
	k := -1
	for q := 0; q < n; q++ {
		if math.IsInf(f[q], 1) {
			continue
		}
		fq := f[q] + float64(q*q)
		for k >= 0 {
			p := v[k]
			s := (fq - (f[p] + float64(p*p))) / float64(2*(q-p))
			if s > z[k] {
				k++
				v[k] = q
				z[k] = s
				z[k+1] = math.Inf(1)
				break
			}
			k--
		}
		if k < 0 {
			k = 0
			v[0] = q
			z[0] = math.Inf(-1)
			z[1] = math.Inf(1)
		}
	}

	if k < 0 {
		for q := range out {
			out[q] = math.Inf(1)
		}
		return
	}

	j := 0
	for q := 0; q < n; q++ {
		for z[j+1] < float64(q) {
			j++
		}
		d := float64(q - v[j])
		out[q] = d*d + f[v[j]]
	}
}

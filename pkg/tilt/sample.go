package tilt

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Sample is one focus measurement at a position of the list.
type Sample struct {
	Index int
	X     float64
	Y     float64
	Z     float64
}

// Point aggregates the repetitions measured at one position.
type Point struct {
	Index int
	X     float64
	Y     float64
	Z     float64
	// ZStd is the population standard deviation of Z over repetitions.
	ZStd float64
}

// Aggregate groups samples by position index, ordered by index, using the
// median of every coordinate.
func Aggregate(samples []Sample) []Point {
	byIndex := map[int][]Sample{}
	for _, s := range samples {
		byIndex[s.Index] = append(byIndex[s.Index], s)
	}
	indices := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	points := make([]Point, 0, len(indices))
	for _, i := range indices {
		group := byIndex[i]
		xs := make([]float64, len(group))
		ys := make([]float64, len(group))
		zs := make([]float64, len(group))
		for j, s := range group {
			xs[j], ys[j], zs[j] = s.X, s.Y, s.Z
		}
		points = append(points, Point{
			Index: i,
			X:     median(xs),
			Y:     median(ys),
			Z:     median(zs),
			ZStd:  stat.PopStdDev(zs, nil),
		})
	}
	return points
}

// median averages the two middle values for an even count. It sorts v.
func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sort.Float64s(v)
	mid := len(v) / 2
	if len(v)%2 == 1 {
		return v[mid]
	}
	return (v[mid-1] + v[mid]) / 2
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return stat.Mean(v, nil)
}

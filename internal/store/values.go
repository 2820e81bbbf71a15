package store

import (
	"github.com/automerge/automerge-go"

	"CoBoard/internal/geom"
)

// Readers for the loosely-typed automerge values. Missing or
// wrong-kind fields read as zero values; a malformed entry written by
// a buggy peer degrades to an empty field rather than an error.

func strField(m *automerge.Map, key string) string {
	v, err := m.Get(key)
	if err != nil || v.Kind() != automerge.KindStr {
		logIgnored("str "+key, err)
		return ""
	}
	return v.Str()
}

func numField(m *automerge.Map, key string) float64 {
	v, err := m.Get(key)
	if err != nil {
		logIgnored("num "+key, err)
		return 0
	}
	return numValue(v)
}

func numValue(v *automerge.Value) float64 {
	switch v.Kind() {
	case automerge.KindFloat64:
		return v.Float64()
	case automerge.KindInt64:
		return float64(v.Int64())
	case automerge.KindUint64:
		return float64(v.Uint64())
	}
	return 0
}

func bytesField(m *automerge.Map, key string) []byte {
	v, err := m.Get(key)
	if err != nil || v.Kind() != automerge.KindBytes {
		logIgnored("bytes "+key, err)
		return nil
	}
	return v.Bytes()
}

func pointsField(m *automerge.Map, key string) []geom.Point {
	v, err := m.Get(key)
	if err != nil || v.Kind() != automerge.KindList {
		logIgnored("points "+key, err)
		return nil
	}
	vals, err := v.List().Values()
	if err != nil {
		logIgnored("points "+key, err)
		return nil
	}
	pts := make([]geom.Point, 0, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		pts = append(pts, geom.Point{X: numValue(vals[i]), Y: numValue(vals[i+1])})
	}
	return pts
}

func flattenPoints(pts []geom.Point) []float64 {
	flat := make([]float64, 0, len(pts)*2)
	for _, p := range pts {
		flat = append(flat, p.X, p.Y)
	}
	return flat
}

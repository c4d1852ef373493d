package query

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/mesh-intelligence/emen/pkg/types"
)

// Point is one plotted record.
type Point struct {
	ID uint64  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Series holds the points of one group-by bucket.
type Series struct {
	Group  string  `json:"group"`
	Points []Point `json:"points"`
}

// Bounds is the bounding box of every plotted point.
type Bounds struct {
	XMin float64 `json:"xmin"`
	XMax float64 `json:"xmax"`
	YMin float64 `json:"ymin"`
	YMax float64 `json:"ymax"`
}

// Plot is the scatter data of a "$y vs $x" query.
type Plot struct {
	X      string   `json:"x"`
	Y      string   `json:"y"`
	Series []Series `json:"series"`
	Bounds Bounds   `json:"bounds"`
}

// plot collects (x, y) pairs per group. Records lacking either value are
// left out; list values plot their first element.
func (e *Engine) plot(y, x string, groups []Group, s *types.Session) (*Plot, error) {
	recs, err := e.load(groups, s)
	if err != nil {
		return nil, err
	}
	out := &Plot{X: x, Y: y, Series: make([]Series, 0, len(groups))}
	first := true
	for _, g := range groups {
		series := Series{Group: g.Key, Points: []Point{}}
		for _, id := range g.IDs {
			rec, ok := recs[id]
			if !ok {
				continue
			}
			xv, okx := scalar(rec, x)
			yv, oky := scalar(rec, y)
			if !okx || !oky {
				continue
			}
			series.Points = append(series.Points, Point{ID: id, X: xv, Y: yv})
			if first {
				out.Bounds = Bounds{XMin: xv, XMax: xv, YMin: yv, YMax: yv}
				first = false
				continue
			}
			out.Bounds.XMin = min(out.Bounds.XMin, xv)
			out.Bounds.XMax = max(out.Bounds.XMax, xv)
			out.Bounds.YMin = min(out.Bounds.YMin, yv)
			out.Bounds.YMax = max(out.Bounds.YMax, yv)
		}
		out.Series = append(out.Series, series)
	}
	return out, nil
}

// load reads every record of the groups once, keyed by id.
func (e *Engine) load(groups []Group, s *types.Session) (map[uint64]*types.Record, error) {
	all := roaring64.New()
	for _, g := range groups {
		all.AddMany(g.IDs)
	}
	recs, err := e.src.GetRecords(all.ToArray(), s)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]*types.Record, len(recs))
	for _, rec := range recs {
		out[rec.ID] = rec
	}
	return out, nil
}

func scalar(rec *types.Record, field string) (float64, bool) {
	v, ok := rec.Get(field)
	if !ok {
		return 0, false
	}
	switch l := v.(type) {
	case []int64:
		if len(l) == 0 {
			return 0, false
		}
		v = l[0]
	case []float64:
		if len(l) == 0 {
			return 0, false
		}
		v = l[0]
	}
	return types.ToFloat(v)
}

package query

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/mesh-intelligence/emen/pkg/types"
)

// Histogram bin modes.
const (
	BinNumeric  = "numeric"
	BinHour     = "hour"
	BinDay      = "day"
	BinWeek     = "week"
	BinMonth    = "month"
	BinYear     = "year"
	BinCategory = "category"
)

// MaxBins caps the number of numeric bins.
const MaxBins = 50

const day = 24 * time.Hour

// Bin is one x-axis category. Numeric bins cover [Start, End); temporal
// bins carry Unix seconds.
type Bin struct {
	Label string  `json:"label"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Counts holds the per-bin counts of one group-by bucket.
type Counts struct {
	Group  string `json:"group"`
	Counts []int  `json:"counts"`
}

// Histogram is the binned distribution of one field.
type Histogram struct {
	Field  string   `json:"field"`
	Mode   string   `json:"mode"`
	Step   float64  `json:"step,omitempty"`
	Bins   []Bin    `json:"bins"`
	Series []Counts `json:"series"`
}

// histogram bins the values of field. Numeric fields get bins of a step
// rounded to two significant digits, dates get calendar bins chosen by
// span, and everything else bins by distinct value.
func (e *Engine) histogram(field string, groups []Group, s *types.Session) (*Histogram, error) {
	pd, err := e.src.GetParamDef(field)
	if err != nil {
		return nil, err
	}
	vt, ok := e.src.Registry().VarType(pd.VarType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown vartype %q", types.ErrSchemaViolation, pd.VarType)
	}
	recs, err := e.load(groups, s)
	if err != nil {
		return nil, err
	}

	values := make(map[uint64][]any, len(recs))
	var all []any
	for id, rec := range recs {
		if v, ok := rec.Get(field); ok {
			values[id] = elements(v)
			all = append(all, values[id]...)
		}
	}

	h := &Histogram{Field: field, Bins: []Bin{}}
	var index func(any) (int, bool)
	switch {
	case vt.Temporal:
		h.Mode, h.Bins, index = temporalBins(all)
	case pd.VarType != types.VarBoolean && (vt.Key == types.KeyInt || vt.Key == types.KeyFloat):
		h.Mode = BinNumeric
		h.Step, h.Bins, index = numericBins(all, vt.Key == types.KeyInt)
	default:
		h.Mode, h.Bins, index = categoryBins(all)
	}

	h.Series = make([]Counts, 0, len(groups))
	for _, g := range groups {
		c := Counts{Group: g.Key, Counts: make([]int, len(h.Bins))}
		for _, id := range g.IDs {
			for _, v := range values[id] {
				if i, ok := index(v); ok {
					c.Counts[i]++
				}
			}
		}
		h.Series = append(h.Series, c)
	}
	return h, nil
}

func elements(v any) []any {
	switch l := v.(type) {
	case []int64:
		out := make([]any, len(l))
		for i, x := range l {
			out[i] = x
		}
		return out
	case []float64:
		out := make([]any, len(l))
		for i, x := range l {
			out[i] = x
		}
		return out
	case []string:
		out := make([]any, len(l))
		for i, x := range l {
			out[i] = x
		}
		return out
	}
	return []any{v}
}

// roundSig rounds x to n significant digits.
func roundSig(x float64, n int) float64 {
	if x == 0 || math.IsInf(x, 0) || math.IsNaN(x) {
		return x
	}
	p := math.Pow(10, math.Floor(math.Log10(math.Abs(x)))-float64(n-1))
	return math.Round(x/p) * p
}

// numericStep picks the bin width for count values spanning [lo, hi]:
// the span over min(count/10, MaxBins) bins, at least one bin, rounded to
// two significant digits.
func numericStep(lo, hi float64, count int, integer bool) float64 {
	bins := min(count/10, MaxBins)
	if bins < 1 {
		bins = 1
	}
	step := roundSig((hi-lo)/float64(bins), 2)
	if integer {
		step = math.Ceil(step)
	}
	if step <= 0 {
		step = 1
	}
	return step
}

func numericBins(values []any, integer bool) (float64, []Bin, func(any) (int, bool)) {
	var nums []float64
	for _, v := range values {
		if f, ok := types.ToFloat(v); ok {
			nums = append(nums, f)
		}
	}
	if len(nums) == 0 {
		return 0, []Bin{}, func(any) (int, bool) { return 0, false }
	}
	lo, hi := slices.Min(nums), slices.Max(nums)
	step := numericStep(lo, hi, len(nums), integer)
	first := math.Floor(lo / step)
	n := int(math.Floor(hi/step)-first) + 1

	bins := make([]Bin, n)
	for i := range bins {
		start := (first + float64(i)) * step
		bins[i] = Bin{
			Label: strconv.FormatFloat(start, 'g', 10, 64),
			Start: start,
			End:   (first + float64(i+1)) * step,
		}
	}
	index := func(v any) (int, bool) {
		f, ok := types.ToFloat(v)
		if !ok {
			return 0, false
		}
		i := int(math.Floor(f/step) - first)
		return max(0, min(i, n-1)), true
	}
	return step, bins, index
}

// granularity chooses the calendar unit for a time span. Hourly bins stop
// at three days, so a span of about ten days bins by day, not by hour.
func granularity(span time.Duration) string {
	switch {
	case span < 3*day:
		return BinHour
	case span < 31*day:
		return BinDay
	case span < 365*day:
		return BinWeek
	case span < 4*365*day:
		return BinMonth
	}
	return BinYear
}

func truncate(t time.Time, mode string) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	switch mode {
	case BinHour:
		return t.Truncate(time.Hour)
	case BinDay:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	case BinWeek:
		monday := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-monday, 0, 0, 0, 0, time.UTC)
	case BinMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
}

func advance(t time.Time, mode string) time.Time {
	switch mode {
	case BinHour:
		return t.Add(time.Hour)
	case BinDay:
		return t.AddDate(0, 0, 1)
	case BinWeek:
		return t.AddDate(0, 0, 7)
	case BinMonth:
		return t.AddDate(0, 1, 0)
	}
	return t.AddDate(1, 0, 0)
}

func binLabel(t time.Time, mode string) string {
	switch mode {
	case BinHour:
		return t.Format("2006-01-02 15:00")
	case BinDay:
		return t.Format(types.DateLayout)
	case BinWeek:
		y, w := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case BinMonth:
		return t.Format("2006-01")
	}
	return t.Format("2006")
}

func temporalBins(values []any) (string, []Bin, func(any) (int, bool)) {
	parse := func(v any) (time.Time, bool) {
		str, ok := v.(string)
		if !ok {
			return time.Time{}, false
		}
		t, err := types.ParseTemporal(str)
		return t, err == nil
	}
	var times []time.Time
	for _, v := range values {
		if t, ok := parse(v); ok {
			times = append(times, t)
		}
	}
	if len(times) == 0 {
		return BinDay, []Bin{}, func(any) (int, bool) { return 0, false }
	}
	lo := slices.MinFunc(times, time.Time.Compare)
	hi := slices.MaxFunc(times, time.Time.Compare)
	mode := granularity(hi.Sub(lo))

	var bins []Bin
	pos := make(map[int64]int)
	for t := truncate(lo, mode); !t.After(hi); t = advance(t, mode) {
		pos[t.Unix()] = len(bins)
		bins = append(bins, Bin{
			Label: binLabel(t, mode),
			Start: float64(t.Unix()),
			End:   float64(advance(t, mode).Unix()),
		})
	}
	index := func(v any) (int, bool) {
		t, ok := parse(v)
		if !ok {
			return 0, false
		}
		i, ok := pos[truncate(t, mode).Unix()]
		return i, ok
	}
	return mode, bins, index
}

func categoryBins(values []any) (string, []Bin, func(any) (int, bool)) {
	label := func(v any) string {
		if b, ok := v.(bool); ok {
			return strconv.FormatBool(b)
		}
		return formatKey(v)
	}
	var labels []string
	for _, v := range values {
		labels = append(labels, label(v))
	}
	slices.Sort(labels)
	labels = slices.Compact(labels)

	bins := make([]Bin, len(labels))
	pos := make(map[string]int, len(labels))
	for i, l := range labels {
		bins[i] = Bin{Label: l}
		pos[l] = i
	}
	index := func(v any) (int, bool) {
		i, ok := pos[label(v)]
		return i, ok
	}
	return BinCategory, bins, index
}

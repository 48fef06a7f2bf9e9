package patch

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/CK6170/spectro-go/models"
)

// Bands is the number of raw bands the slope signal is computed over.
const Bands = 4

// Patch is one recognised patch in a scan buffer.
type Patch struct {
	Start int  `json:"start"`
	Count int  `json:"count"`
	Used  bool `json:"used"`
}

// Center is the middle sample of the patch.
func (p Patch) Center() float64 { return float64(p.Start) + float64(p.Count-1)/2 }

// Options tune the recogniser's averaging.
type Options struct {
	SatThresh  float64
	Brightness float64
}

// Result is one averaged patch.
type Result struct {
	Patch  Patch
	Mean   []float64
	Status Status
}

// bandSignal averages each row into Bands contiguous bands.
func bandSignal(rows [][]float64) [Bands][]float64 {
	var b [Bands][]float64
	for k := range b {
		b[k] = make([]float64, len(rows))
	}
	for i, r := range rows {
		w := len(r) / Bands
		for k := 0; k < Bands; k++ {
			b[k][i] = floats.Sum(r[k*w:(k+1)*w]) / float64(w)
		}
	}
	return b
}

// slope is the band averaged |x[i+1]-x[i-1]| smoothed by a 3-tap box filter.
func slope(b [Bands][]float64) []float64 {
	n := len(b[0])
	raw := make([]float64, n)
	for i := range raw {
		lo, hi := i-1, i+1
		if lo < 0 {
			lo = 0
		}
		if hi > n-1 {
			hi = n - 1
		}
		s := 0.0
		for k := 0; k < Bands; k++ {
			s += math.Abs(b[k][hi] - b[k][lo])
		}
		raw[i] = s / Bands
	}
	out := make([]float64, n)
	for i := range out {
		s, c := 0.0, 0
		for j := i - 1; j <= i+1; j++ {
			if j >= 0 && j < n {
				s += raw[j]
				c++
			}
		}
		out[i] = s / float64(c)
	}
	return out
}

// candidates returns the runs of at least two samples below the threshold.
func candidates(sl []float64) []Patch {
	maxSl := 0.0
	for _, v := range sl {
		maxSl = math.Max(maxSl, v)
	}
	thr := math.Max(0.05*maxSl, 1e-9)
	var out []Patch
	start := -1
	for i := 0; i <= len(sl); i++ {
		below := i < len(sl) && sl[i] < thr
		if below && start < 0 {
			start = i
		}
		if !below && start >= 0 {
			if i-start >= 2 {
				out = append(out, Patch{Start: start, Count: i - start})
			}
			start = -1
		}
	}
	return out
}

// level is the mean band signal over a candidate run.
func level(b [Bands][]float64, p Patch) float64 {
	s := 0.0
	for k := range b {
		s += floats.Sum(b[k][p.Start : p.Start+p.Count])
	}
	return s / float64(Bands*p.Count)
}

// background marks the candidates that sit at the paper level. A leader or
// trailer run sets that level when its level recurs in another run (the far
// edge or a gap); every run within 5% of the level spread of it is paper.
func background(b [Bands][]float64, cands []Patch, total int) []bool {
	bg := make([]bool, len(cands))
	if len(cands) < 2 {
		return bg
	}
	lv := make([]float64, len(cands))
	for i, c := range cands {
		lv[i] = level(b, c)
	}
	tol := 0.05 * (floats.Max(lv) - floats.Min(lv))
	if tol <= 0 {
		return bg
	}
	near := func(i, j int) bool { return math.Abs(lv[i]-lv[j]) <= tol }
	for _, e := range []int{0, len(cands) - 1} {
		c := cands[e]
		if c.Start != 0 && c.Start+c.Count != total {
			continue
		}
		recurs := false
		for j := range cands {
			if j != e && near(j, e) {
				recurs = true
				break
			}
		}
		if !recurs {
			continue
		}
		for j := range cands {
			if near(j, e) {
				bg[j] = true
			}
		}
	}
	return bg
}

// clustered reports whether every width in w is within tol of their median.
func clustered(w []Patch, tol float64) bool {
	widths := make([]int, len(w))
	for i, p := range w {
		widths[i] = p.Count
	}
	ref := median(widths)
	for _, c := range widths {
		if math.Abs(float64(c)-ref) > tol*ref {
			return false
		}
	}
	return true
}

// Find locates exactly n patches in rows. Runs at the paper level (leader,
// gaps, trailer) are dropped; of the rest, the one contiguous run of n
// whose widths cluster near their median is the strip. The tolerance widens
// from 5% to 60% until a run qualifies.
func Find(rows [][]float64, n int) ([]Patch, error) {
	if n < 1 {
		return nil, fmt.Errorf("patch count %d: %w", n, models.ErrInternal)
	}
	if len(rows) < 3 {
		return nil, fmt.Errorf("%d samples: %w", len(rows), models.ErrNotEnoughPatches)
	}
	b := bandSignal(rows)
	cands := candidates(slope(b))
	bg := background(b, cands, len(rows))
	var patches []Patch
	for i, c := range cands {
		if !bg[i] {
			patches = append(patches, c)
		}
	}
	if len(patches) < n {
		return nil, fmt.Errorf("%d candidate runs for %d patches: %w", len(patches), n, models.ErrNotEnoughPatches)
	}

	for tol := 0.05; tol <= 0.60+1e-9; tol += 0.05 {
		var runs [][]Patch
		for i := 0; i+n <= len(patches); i++ {
			if w := patches[i : i+n]; clustered(w, tol) {
				runs = append(runs, w)
			}
		}
		switch len(runs) {
		case 0:
			continue
		case 1:
			out := append([]Patch(nil), runs[0]...)
			for i := range out {
				out[i].Used = true
			}
			return out, nil
		default:
			return nil, fmt.Errorf("%d runs of %d patches among %d candidates: %w", len(runs), n, len(patches), models.ErrTooManyPatches)
		}
	}
	return nil, fmt.Errorf("no run of %d patches with matching widths: %w", n, models.ErrNotEnoughPatches)
}

func median(v []int) float64 {
	s := append([]int(nil), v...)
	sort.Ints(s)
	m := len(s) / 2
	if len(s)%2 == 1 {
		return float64(s[m])
	}
	return float64(s[m-1]+s[m]) / 2
}

// Trim keeps the central 75% of a patch.
func Trim(p Patch) Patch {
	cut := int(math.Round(float64(p.Count) * 0.125))
	if p.Count-2*cut < 1 {
		cut = (p.Count - 1) / 2
	}
	return Patch{Start: p.Start + cut, Count: p.Count - 2*cut, Used: p.Used}
}

// Scan recognises n patches and averages the central 75% of each.
func Scan(rows [][]float64, peaks []float64, n int, opts Options) ([]Result, error) {
	found, err := Find(rows, n)
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(found))
	for i, p := range found {
		t := Trim(p)
		var pk []float64
		if len(peaks) >= t.Start+t.Count {
			pk = peaks[t.Start : t.Start+t.Count]
		}
		mean, st := Average(rows[t.Start:t.Start+t.Count], pk, opts.SatThresh, opts.Brightness)
		out[i] = Result{Patch: t, Mean: mean, Status: st}
	}
	return out, nil
}

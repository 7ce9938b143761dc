// Package fitengine fits per station clock and TEC parameters to masked
// phase spectra, one timestep at a time. Each timestep's fit starts from
// the previous accepted solution, is validated by a chi square gate on the
// double differenced residual, and on failure widens its wrap search window
// until the station locks back on.
package fitengine

import (
	"io"
	"log/slog"
	"math"

	"github.com/tikk3r/losoto/gonumExtensions"
	"github.com/tikk3r/losoto/lattice"
	"github.com/tikk3r/losoto/phasemodel"
	"github.com/tikk3r/losoto/unwrap"
)

// Config tunes the engine. The jump and drift thresholds are empirically
// tuned values inherited from long operational use; they are exposed here
// rather than hard coded, but changing them warrants domain expert review.
type Config struct {
	// Chi2Cut rejects a station's fit when its mean squared residual in
	// degrees² exceeds it.
	Chi2Cut float64
	// ThirdOrder adds the 1/ν³ ionospheric term to the model.
	ThirdOrder bool
	// ReturnResiduals keeps the per timestep double differenced residuals.
	ReturnResiduals bool
	// JumpHalfStep is the clock displacement, in lattice steps, above which
	// a solution is suspected of lattice aliased jitter.
	JumpHalfStep float64
	// JumpFullStep alone confirms the jump; below it the summed normalised
	// parameter displacement must exceed half the parameter count.
	JumpFullStep float64
	// DriftTolerance scales the acceptance gate on displacement from the
	// carry-over: 0.3·npar·(1+numFail). The relaxation with numFail
	// reflects that after many failures there is no strong prior left.
	DriftTolerance float64
	// MaskRange is the unwrap repair window.
	MaskRange int
	// Logger receives debug progress; nil discards.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Chi2Cut == 0 {
		c.Chi2Cut = 3e4
	}
	if c.JumpHalfStep == 0 {
		c.JumpHalfStep = 0.5
	}
	if c.JumpFullStep == 0 {
		c.JumpFullStep = 0.75
	}
	if c.DriftTolerance == 0 {
		c.DriftTolerance = 0.3
	}
	if c.MaskRange == 0 {
		c.MaskRange = unwrap.DefaultMaskRange
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Engine fits one polarization of the array.
type Engine struct {
	basis    *phasemodel.Basis
	stations []phasemodel.Station
	steps    []float64
	cfg      Config
	log      *slog.Logger
}

// Result holds the fitted parameter series, indexed [time][station].
// Third is nil unless the third order term was fitted, Residuals nil
// unless requested.
type Result struct {
	TEC       [][]float64
	Clock     [][]float64
	Third     [][]float64
	Residuals [][][]float64
}

// New builds an engine for the given frequency grid and station set.
func New(freqs []float64, stations []phasemodel.Station, cfg Config) (*Engine, error) {
	cfg.applyDefaults()
	basis, err := phasemodel.New(freqs, cfg.ThirdOrder)
	if err != nil {
		return nil, err
	}
	return &Engine{
		basis:    basis,
		stations: stations,
		steps:    basis.WrapSteps(basis.NumParams()),
		cfg:      cfg,
		log:      cfg.Logger,
	}, nil
}

// Basis exposes the engine's design matrix.
func (e *Engine) Basis() *phasemodel.Basis { return e.basis }

// WrapSteps exposes the lattice step sizes of the full model.
func (e *Engine) WrapSteps() []float64 { return e.steps }

// Fit runs the sequential time loop over data[time][freq][station] and its
// mask. initSol, when non-nil, seeds station i with initSol[i] and skips
// the wide bootstrap search for it. The loop cannot be parallelised: each
// timestep's outcome feeds the next one's starting point.
func (e *Engine) Fit(data [][][]float64, mask [][][]bool, initSol [][]float64) *Result {
	nT := len(data)
	nSt := len(e.stations)
	nPar := e.basis.NumParams()
	res := &Result{
		TEC:   make([][]float64, nT),
		Clock: make([][]float64, nT),
	}
	if e.cfg.ThirdOrder {
		res.Third = make([][]float64, nT)
	}
	if e.cfg.ReturnResiduals {
		res.Residuals = make([][][]float64, nT)
	}
	st := NewState(nSt, nPar)
	for itm := 0; itm < nT; itm++ {
		sol, resid := e.FitTimestep(itm, data[itm], mask[itm], st, initSol)
		res.TEC[itm] = make([]float64, nSt)
		res.Clock[itm] = make([]float64, nSt)
		if res.Third != nil {
			res.Third[itm] = make([]float64, nSt)
		}
		for ist := 0; ist < nSt; ist++ {
			res.TEC[itm][ist] = sol[ist][0]
			res.Clock[itm][ist] = sol[ist][1]
			if res.Third != nil {
				res.Third[itm][ist] = sol[ist][2]
			}
		}
		if res.Residuals != nil {
			res.Residuals[itm] = resid
		}
	}
	return res
}

// FitTimestep advances the state machine by one timestep. phases and pmask
// are indexed [freq][station] and are not modified. The returned solution
// is a snapshot per station; the residual is the double differenced,
// (−π,π] wrapped residual per [freq][station], zero where masked.
func (e *Engine) FitTimestep(itm int, phases [][]float64, pmask [][]bool, st *State, initSol [][]float64) ([][]float64, [][]float64) {
	nF := e.basis.NumChannels()
	nSt := len(e.stations)
	nPar := e.basis.NumParams()

	cols := make([][]float64, nSt)
	masks := make([][]bool, nSt)
	for ist := 0; ist < nSt; ist++ {
		cols[ist] = make([]float64, nF)
		masks[ist] = make([]bool, nF)
		for f := 0; f < nF; f++ {
			cols[ist][f] = phases[f][ist]
			masks[ist][f] = pmask[f][ist]
		}
	}

	if itm == 0 || !st.Success {
		e.reinitialise(itm, cols, masks, st, initSol)
	}

	for ist := 0; ist < nSt; ist++ {
		if validFraction(masks[ist]) < 0.5 {
			e.log.Debug("too many channels flagged", "time", itm, "station", e.stations[ist].Name)
			for j := range st.Sol[ist] {
				st.Sol[ist][j] = SentinelTEC
			}
			continue
		}
		fitdata := e.basis.Eval(st.Sol[ist])
		cols[ist], masks[ist] = unwrap.Unwrap(cols[ist], masks[ist], fitdata, e.cfg.MaskRange)
		par, err := gonumExtensions.MaskedLeastSquares(e.basis.Matrix(), cols[ist], masks[ist])
		if err != nil || gonumExtensions.HasNaNOrInf(par) {
			for j := range st.Sol[ist] {
				st.Sol[ist][j] = SentinelTEC
			}
			continue
		}
		copy(st.Sol[ist], par)
		e.suppressLatticeJump(st, ist)
	}

	resid, chi2 := e.residualChi2(phases, pmask, st)

	bad := make([]bool, nSt)
	anyBad := false
	for ist := 0; ist < nSt; ist++ {
		bad[ist] = chi2[ist] > e.cfg.Chi2Cut || st.Sol[ist][0] < -5
		if !bad[ist] && st.HasPrev[ist] {
			disp := 0.0
			for j := 0; j < nPar; j++ {
				disp += math.Abs((st.Sol[ist][j] - st.Prev[ist][j]) / e.steps[j])
			}
			if disp > e.cfg.DriftTolerance*float64(nPar)*float64(1+st.NumFail[ist]) {
				bad[ist] = true
			}
		}
		if bad[ist] {
			anyBad = true
		}
	}

	if anyBad {
		st.Success = false
		e.log.Debug("fit rejected for stations", "time", itm, "stations", badNames(e.stations, bad))
		for ist := 0; ist < nSt; ist++ {
			if bad[ist] {
				st.NumFail[ist]++
				continue
			}
			st.NumFail[ist] = 0
			if !st.HasPrev[ist] {
				copy(st.Prev[ist], st.Sol[ist])
			}
			smooth(st.Prev[ist], st.Sol[ist])
			st.HasPrev[ist] = true
		}
	} else {
		st.Success = true
		for ist := 0; ist < nSt; ist++ {
			if !st.HasPrev[ist] {
				copy(st.Prev[ist], st.Sol[ist])
			}
			smooth(st.Prev[ist], st.Sol[ist])
			st.HasPrev[ist] = true
			st.NumFail[ist] = 0
		}
	}

	sol := make([][]float64, nSt)
	for ist := range sol {
		sol[ist] = append([]float64(nil), st.Sol[ist]...)
	}
	return sol, resid
}

// reinitialise reruns the wrap lattice bootstrap for every station, with a
// class sized window for stations lacking carry-over and a failure widened
// one for the rest.
func (e *Engine) reinitialise(itm int, cols [][]float64, masks [][]bool, st *State, initSol [][]float64) {
	third := e.cfg.ThirdOrder
	for ist := range e.stations {
		var win phasemodel.SearchWindow
		if itm == 0 || !st.HasPrev[ist] {
			if ist < len(initSol) && len(initSol[ist]) > 0 {
				n := len(initSol[ist])
				if n > len(st.Sol[ist]) {
					n = len(st.Sol[ist])
				}
				copy(st.Sol[ist][:n], initSol[ist][:n])
				win = phasemodel.SearchWindow{NTEC: 1, NClock: 1}
				if third {
					win.NThird = 1
				}
			} else {
				win = phasemodel.InitWindow(e.stations[ist], third)
			}
		} else {
			copy(st.Sol[ist], st.Prev[ist])
			win = phasemodel.FailWindow(e.stations[ist], st.NumFail[ist], third)
		}
		if validFraction(masks[ist]) > 0.5 {
			if itm%100 == 0 {
				e.log.Debug("bootstrapping parameters", "time", itm,
					"station", e.stations[ist].Name,
					"ntec", win.NTEC, "nclock", win.NClock, "nthird", win.NThird)
			}
			par, d, m := lattice.Search(cols[ist], masks[ist], e.basis, win, st.Sol[ist], e.cfg.MaskRange)
			cols[ist], masks[ist] = d, m
			copy(st.Sol[ist], par)
		}
	}
}

// suppressLatticeJump rounds away whole step clock displacements from the
// carry-over that would otherwise alias adjacent timesteps into different
// wrap wells.
func (e *Engine) suppressLatticeJump(st *State, ist int) {
	if !st.HasPrev[ist] {
		return
	}
	nPar := len(e.steps)
	dClock := (st.Sol[ist][1] - st.Prev[ist][1]) / e.steps[1]
	if math.Abs(dClock) <= e.cfg.JumpHalfStep {
		return
	}
	sum := 0.0
	for j := 0; j < nPar; j++ {
		sum += (st.Sol[ist][j] - st.Prev[ist][j]) / e.steps[j]
	}
	if math.Abs(dClock) > e.cfg.JumpFullStep || math.Abs(sum) > 0.5*float64(nPar) {
		r := math.Round(dClock)
		for j := 0; j < nPar; j++ {
			st.Sol[ist][j] -= r * e.steps[j]
		}
	}
}

// residualChi2 evaluates the model against the original (still wrapped)
// data, subtracts the station 0 residual and wraps into (−π,π], then sums
// the squared residual in degrees over the full channel count.
func (e *Engine) residualChi2(phases [][]float64, pmask [][]bool, st *State) ([][]float64, []float64) {
	nF := e.basis.NumChannels()
	nSt := len(e.stations)
	a := e.basis.Matrix()
	nPar := e.basis.NumParams()
	raw := make([][]float64, nF)
	out := make([][]float64, nF)
	for f := 0; f < nF; f++ {
		raw[f] = make([]float64, nSt)
		out[f] = make([]float64, nSt)
		for ist := 0; ist < nSt; ist++ {
			model := 0.0
			for j := 0; j < nPar; j++ {
				model += a.At(f, j) * st.Sol[ist][j]
			}
			raw[f][ist] = phases[f][ist] - model
		}
	}
	chi2 := make([]float64, nSt)
	for f := 0; f < nF; f++ {
		for ist := 0; ist < nSt; ist++ {
			if pmask[f][ist] || pmask[f][0] {
				continue
			}
			r := math.Mod(raw[f][ist]-raw[f][0]+math.Pi, 2*math.Pi)
			if r < 0 {
				r += 2 * math.Pi
			}
			r -= math.Pi
			out[f][ist] = r
			deg := r * 180 / math.Pi
			chi2[ist] += deg * deg
		}
	}
	for ist := range chi2 {
		chi2[ist] /= float64(nF)
	}
	return out, chi2
}

// smooth folds the accepted solution into the carry-over as an equal parts
// exponential average.
func smooth(prev, sol []float64) {
	for j := range prev {
		prev[j] = 0.5*prev[j] + 0.5*sol[j]
	}
}

func validFraction(mask []bool) float64 {
	valid := 0
	for _, bad := range mask {
		if !bad {
			valid++
		}
	}
	return float64(valid) / float64(len(mask))
}

func badNames(stations []phasemodel.Station, bad []bool) []string {
	var names []string
	for i, b := range bad {
		if b {
			names = append(names, stations[i].Name)
		}
	}
	return names
}

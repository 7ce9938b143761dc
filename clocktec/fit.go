// Package clocktec separates station phase solutions into an ionospheric
// TEC term, an instrumental clock delay and a constant phase offset per
// station, resolving the 2π wrap ambiguity in time and across the array.
package clocktec

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tikk3r/losoto/fitengine"
	"github.com/tikk3r/losoto/phasemodel"
	"github.com/tikk3r/losoto/spatial"
)

// Solution is the fit output for every input station, including fully
// flagged ones, which carry zero clock, the TEC failure sentinel and zero
// offset. Arrays are indexed [time][station][pol], Offset [station][pol].
// Third is nil unless the third order term was fitted.
type Solution struct {
	Clock  [][][]float64
	TEC    [][][]float64
	Third  [][][]float64
	Offset [][]float64
}

type options struct {
	initSol     [][]float64
	initOffsets [][]float64
	logger      *slog.Logger
}

// Option adjusts a single Fit call.
type Option func(*options)

// WithInitSolution seeds station i with initSol[i] (TEC, clock[, third]),
// skipping the wide bootstrap search. Indices follow the input station
// list.
func WithInitSolution(initSol [][]float64) Option {
	return func(o *options) { o.initSol = initSol }
}

// WithInitOffsets supplies previously determined per station phase offsets,
// indexed like the input station list.
func WithInitOffsets(offsets [][]float64) Option {
	return func(o *options) { o.initOffsets = offsets }
}

// WithLogger routes debug progress to l.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Fit runs the full separation pipeline. phases and mask are flat row
// major arrays over dims, whose semantics are named by axes (must contain
// time, freq, ant, pol). freqs is the frequency grid in Hz, stations the
// station names, positions their geocentric coordinates in metres.
//
// Only structural input errors are returned; per sample fit failures are
// absorbed into the sentinel TEC value.
func Fit(phases []float64, mask []bool, dims []int, axes []string, freqs []float64, stations []string, positions [][]float64, cfg Config, opts ...Option) (*Solution, error) {
	var opt options
	for _, o := range opts {
		o(&opt)
	}
	log := opt.logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(stations) != len(positions) {
		return nil, fmt.Errorf("clocktec: %d stations but %d positions", len(stations), len(positions))
	}

	c, err := reorderAxes(phases, mask, dims, axes)
	if err != nil {
		return nil, err
	}
	nT, nF, nStIn, nPol := c.dims()
	if nF != len(freqs) {
		return nil, fmt.Errorf("clocktec: %d channels in data but %d frequencies", nF, len(freqs))
	}
	if nStIn != len(stations) {
		return nil, fmt.Errorf("clocktec: %d stations in data but %d names", nStIn, len(stations))
	}
	if nPol == 4 {
		c.keepDiagonalPols()
		nPol = 2
	}
	if nPol != 1 && nPol != 2 {
		return nil, fmt.Errorf("clocktec: unsupported polarization count %d", nPol)
	}

	refIdx := cfg.RefStations
	if len(refIdx) == 0 {
		for i, name := range stations {
			if phasemodel.IsSuperterp(name) {
				refIdx = append(refIdx, i)
			}
		}
	}
	if len(refIdx) == 0 {
		return nil, errors.New("clocktec: no reference stations found")
	}
	for _, idx := range refIdx {
		if idx >= nStIn {
			return nil, fmt.Errorf("clocktec: reference station index %d out of range", idx)
		}
	}

	ref, refMask := c.referencePhase(refIdx)
	c.subtractReference(ref, refMask)

	if cfg.FlagBadChannels {
		chanBad := flagBadChannels(ref, refMask, cfg.FlagCut)
		nBad := 0
		for _, b := range chanBad {
			if b {
				nBad++
			}
		}
		log.Debug("channel flagging", "flagged", nBad)
		c.applyChannelFlags(chanBad)
	}

	keep := c.usableStations()
	if len(keep) == 0 {
		return nil, errors.New("clocktec: every station is fully flagged")
	}
	log.Debug("selected stations", "count", len(keep), "of", nStIn)
	c.selectStations(keep)
	nSt := len(keep)

	stn := make([]phasemodel.Station, nSt)
	var nonCore []int
	for i, s := range keep {
		stn[i] = phasemodel.ClassifyStation(stations[s])
		if stn[i].Class != phasemodel.ClassCore {
			nonCore = append(nonCore, i)
		}
	}
	keptPositions := make([][]float64, nSt)
	for i, s := range keep {
		keptPositions[i] = positions[s]
	}
	initSol := subsetRows(opt.initSol, keep)
	initOffsets := subsetRows(opt.initOffsets, keep)

	if cfg.CombinePol && nPol == 2 {
		c.combinePolarizations(cfg.Circular)
		nPol = 1
	}

	// coarse clock removal: not in the low band, where TEC dominates the
	// ambiguity and no clock bootstrap is possible
	var initClock [][]float64
	lowBand := stn[0].Band == phasemodel.BandLow
	if !lowBand && len(initSol) == 0 && len(nonCore) > 0 {
		initClock = c.initialClock(freqs, nonCore, nT/2, nT/2+100)
		log.Debug("initial clocks", "clock", initClock)
		c.removeClock(freqs, nonCore, initClock, 1)
	}

	offset := make([][]float64, nSt)
	for i := range offset {
		offset[i] = make([]float64, nPol)
	}
	if len(initOffsets) > 0 {
		for i := range offset {
			copy(offset[i], initOffsets[i])
		}
		for p := 0; p < nPol; p++ {
			col := make([]float64, nSt)
			for i := range col {
				col[i] = offset[i][p]
			}
			c.addStationOffsets(col, p)
		}
	}

	clock := makeCube3(nT, nSt, nPol)
	tec := makeCube3(nT, nSt, nPol)
	var third [][][]float64
	if cfg.Fit3rdOrder {
		third = makeCube3(nT, nSt, nPol)
	}

	engineCfg := fitengine.Config{
		ThirdOrder:     cfg.Fit3rdOrder,
		JumpHalfStep:   cfg.JumpHalfStep,
		JumpFullStep:   cfg.JumpFullStep,
		DriftTolerance: cfg.DriftTolerance,
		MaskRange:      cfg.MaskRange,
		Logger:         log,
	}

	for pol := 0; pol < nPol; pol++ {
		if err := fitPolarization(c, pol, freqs, stn, keptPositions, cfg, engineCfg, initSol, initOffsets, offset, clock, tec, third, log); err != nil {
			return nil, err
		}
	}

	if initClock != nil {
		for t := 0; t < nT; t++ {
			for i, s := range nonCore {
				for p := 0; p < nPol; p++ {
					clock[t][s][p] += initClock[i][p]
				}
			}
		}
	}
	if cfg.CombinePol && cfg.Circular {
		halve3(clock)
		halve3(tec)
		for i := range offset {
			for p := range offset[i] {
				offset[i][p] /= 2
			}
		}
		if third != nil {
			halve3(third)
		}
	}

	return reinsertFlagged(clock, tec, third, offset, keep, nStIn, nPol, log), nil
}

// fitPolarization runs the coarse pass, wrap correction and final pass for
// one polarization, writing into the shared output arrays.
func fitPolarization(c *cube, pol int, freqs []float64, stn []phasemodel.Station, positions [][]float64, cfg Config, engineCfg fitengine.Config, initSol, initOffsets [][]float64, offset [][]float64, clock, tec, third [][][]float64, log *slog.Logger) error {
	nT := len(clock)
	nSt := len(stn)

	coarseCfg := engineCfg
	coarseCfg.ReturnResiduals = true
	coarseCfg.Chi2Cut = cfg.Chi2Cut
	if cfg.RemovePhaseWraps {
		// a relaxed gate: the coarse pass only has to produce residuals
		coarseCfg.Chi2Cut = cfg.CoarseChi2Cut
	}
	engine, err := fitengine.New(freqs, stn, coarseCfg)
	if err != nil {
		return err
	}
	data, dmask := c.polSlice(pol)
	coarse := engine.Fit(data, dmask, initSol)

	var offsets, wraps, steps []float64
	if cfg.RemovePhaseWraps {
		offsets, wraps, steps, err = spatial.CorrectWraps(coarse.TEC, coarse.Residuals, freqs, positions, log)
		if err != nil {
			return err
		}
		for i := range offset {
			offset[i][pol] = offsets[i]
		}
	} else {
		flags := make([][]bool, nT)
		for t := range flags {
			flags[t] = make([]bool, nSt)
			for ist := 0; ist < nSt; ist++ {
				flags[t][ist] = coarse.TEC[t][ist] < -5
			}
		}
		wraps, steps, err = spatial.CorrectWrapsFromResiduals(coarse.Residuals, flags, freqs)
		if err != nil {
			return err
		}
	}
	log.Debug("wrap correction", "pol", pol, "wraps", wraps)

	if len(initOffsets) > 0 {
		for i := range offset {
			offset[i][pol] -= initOffsets[i][pol]
		}
	}
	col := make([]float64, nSt)
	for i := range col {
		col[i] = offset[i][pol]
	}
	c.addStationOffsets(col, pol)

	if cfg.RemovePhaseWraps {
		seed := make([][]float64, nSt)
		for ist := 0; ist < nSt; ist++ {
			seed[ist] = []float64{
				coarse.TEC[0][ist] + wraps[ist]*steps[0],
				coarse.Clock[0][ist] + wraps[ist]*steps[1],
			}
		}
		log.Debug("refit seed", "pol", pol, "seed", seed)
		strictCfg := engineCfg
		strictCfg.Chi2Cut = cfg.Chi2Cut
		engine, err = fitengine.New(freqs, stn, strictCfg)
		if err != nil {
			return err
		}
		data, dmask = c.polSlice(pol)
		final := engine.Fit(data, dmask, seed)
		for t := 0; t < nT; t++ {
			for ist := 0; ist < nSt; ist++ {
				tec[t][ist][pol] = final.TEC[t][ist]
				clock[t][ist][pol] = final.Clock[t][ist]
				if third != nil {
					third[t][ist][pol] = final.Third[t][ist]
				}
			}
		}
		return nil
	}

	// no refit: fold the wrap offsets straight into the coarse result
	for t := 0; t < nT; t++ {
		for ist := 0; ist < nSt; ist++ {
			tec[t][ist][pol] = coarse.TEC[t][ist] + wraps[ist]*steps[0]
			clock[t][ist][pol] = coarse.Clock[t][ist] + wraps[ist]*steps[1]
			if third != nil {
				shift := 0.0
				if len(steps) > 2 {
					shift = wraps[ist] * steps[2]
				}
				third[t][ist][pol] = coarse.Third[t][ist] + shift
			}
		}
	}
	return nil
}

// reinsertFlagged pads the outputs back to the original station list,
// filling dropped stations with placeholders.
func reinsertFlagged(clock, tec, third [][][]float64, offset [][]float64, keep []int, nStIn, nPol int, log *slog.Logger) *Solution {
	nT := len(clock)
	kept := make(map[int]int, len(keep))
	for i, s := range keep {
		kept[s] = i
	}
	sol := &Solution{
		Clock:  makeCube3(nT, nStIn, nPol),
		TEC:    makeCube3(nT, nStIn, nPol),
		Offset: make([][]float64, nStIn),
	}
	if third != nil {
		sol.Third = makeCube3(nT, nStIn, nPol)
	}
	for s := 0; s < nStIn; s++ {
		sol.Offset[s] = make([]float64, nPol)
		i, used := kept[s]
		if !used {
			log.Debug("reinserting fully flagged station", "index", s)
			for t := 0; t < nT; t++ {
				for p := 0; p < nPol; p++ {
					sol.TEC[t][s][p] = -5
				}
			}
			continue
		}
		copy(sol.Offset[s], offset[i])
		for t := 0; t < nT; t++ {
			for p := 0; p < nPol; p++ {
				sol.Clock[t][s][p] = clock[t][i][p]
				sol.TEC[t][s][p] = tec[t][i][p]
				if sol.Third != nil {
					sol.Third[t][s][p] = third[t][i][p]
				}
			}
		}
	}
	return sol
}

func makeCube3(nT, nSt, nPol int) [][][]float64 {
	out := make([][][]float64, nT)
	for t := range out {
		out[t] = make([][]float64, nSt)
		for s := range out[t] {
			out[t][s] = make([]float64, nPol)
		}
	}
	return out
}

func halve3(x [][][]float64) {
	for t := range x {
		for s := range x[t] {
			for p := range x[t][s] {
				x[t][s][p] /= 2
			}
		}
	}
}

func subsetRows(rows [][]float64, keep []int) [][]float64 {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]float64, len(keep))
	for i, s := range keep {
		if s < len(rows) {
			out[i] = rows[s]
		}
	}
	return out
}

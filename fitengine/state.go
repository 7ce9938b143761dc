package fitengine

// SentinelTEC is written into every parameter of a failed fit. Any TEC at
// or below -5 marks a timestep where the station produced no usable
// solution.
const SentinelTEC = -10.0

// State is the fit history threaded through the time loop. It is passed
// into and returned from every timestep explicitly; nothing in the engine
// mutates shared history behind the caller's back.
type State struct {
	// Sol is the working solution per station, updated in place each
	// timestep.
	Sol [][]float64
	// Prev is the exponentially smoothed carry-over of accepted solutions.
	Prev [][]float64
	// HasPrev records, per station, whether a carry-over exists yet. Once
	// true it never becomes false again.
	HasPrev []bool
	// NumFail counts consecutive rejected fits per station; it widens the
	// re-initialisation search window and relaxes the drift gate.
	NumFail []int
	// Success is the global flag of the previous timestep: false whenever
	// any station failed, forcing re-initialisation of every station at the
	// next step.
	Success bool
}

// NewState returns the pristine history for nSt stations and nPar model
// parameters.
func NewState(nSt, nPar int) *State {
	st := &State{
		Sol:     make([][]float64, nSt),
		Prev:    make([][]float64, nSt),
		HasPrev: make([]bool, nSt),
		NumFail: make([]int, nSt),
	}
	for i := range st.Sol {
		st.Sol[i] = make([]float64, nPar)
		st.Prev[i] = make([]float64, nPar)
	}
	return st
}

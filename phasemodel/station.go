package phasemodel

import "strings"

// StationClass groups stations by their distance from the array core,
// which sets how much ionospheric variation the fit must expect.
type StationClass int

const (
	ClassCore StationClass = iota
	ClassRemote
	ClassInternational
)

func (c StationClass) String() string {
	switch c {
	case ClassCore:
		return "core"
	case ClassRemote:
		return "remote"
	default:
		return "international"
	}
}

// Band distinguishes the low band antennas, where the dispersive term
// dominates and clock bootstrapping is not possible, from the high band.
type Band int

const (
	BandHigh Band = iota
	BandLow
)

func (b Band) String() string {
	if b == BandLow {
		return "LBA"
	}
	return "HBA"
}

// Station carries the resolved class and band of a named station. The name
// prefixes are parsed once, here, so the fitting code never looks at
// strings.
type Station struct {
	Name  string
	Class StationClass
	Band  Band
}

// ClassifyStation resolves the class and band encoded in a station name:
// CS prefixes are core, RS remote, everything else international, and an
// LBA marker anywhere in the name selects the low band.
func ClassifyStation(name string) Station {
	st := Station{Name: name, Class: ClassInternational}
	if strings.HasPrefix(name, "CS") {
		st.Class = ClassCore
	} else if strings.HasPrefix(name, "RS") {
		st.Class = ClassRemote
	}
	if strings.Contains(name, "LBA") {
		st.Band = BandLow
	}
	return st
}

// superterp is the central cluster of core stations used as the default
// phase reference.
var superterp = []string{"CS002", "CS003", "CS004", "CS005", "CS006", "CS007"}

// IsSuperterp reports whether the named station belongs to the central
// reference cluster.
func IsSuperterp(name string) bool {
	if len(name) < 5 {
		return false
	}
	for _, s := range superterp {
		if name[:5] == s {
			return true
		}
	}
	return false
}

// SearchWindow holds the wrap lattice search extents per parameter. A
// window of n enumerates integer offsets in [-n/2, n/2].
type SearchWindow struct {
	NTEC   int
	NClock int
	NThird int
}

// InitWindow returns the bootstrap search window for a station with no
// usable previous solution. Core stations sit close to the reference and
// need only a narrow window; remote and international stations see far
// larger TEC excursions, and in the low band the dispersive term grows so
// large that the TEC window widens further while clock bootstrapping
// narrows.
func InitWindow(st Station, thirdOrder bool) SearchWindow {
	w := SearchWindow{}
	switch st.Class {
	case ClassCore:
		w.NTEC, w.NClock = 10, 4
		if st.Band == BandLow {
			w.NTEC, w.NClock = 40, 2
		}
	case ClassRemote:
		w.NTEC, w.NClock = 80, 200
	default:
		w.NTEC, w.NClock = 160, 200
	}
	if st.Class != ClassCore && st.Band == BandLow {
		w.NTEC, w.NClock = 320, 60
	}
	if thirdOrder {
		w.NThird = 200
	}
	return w
}

// FailWindow returns the progressively widened window used after numFail
// consecutive failed fits, capped so the search stays tractable.
func FailWindow(st Station, numFail int, thirdOrder bool) SearchWindow {
	w := SearchWindow{NTEC: min(numFail+1, 100)}
	if st.Class == ClassCore {
		w.NClock = min(numFail+1, 4)
	} else {
		w.NClock = min(numFail+1, 200)
	}
	if thirdOrder {
		w.NThird = min(numFail+1, 200)
	}
	return w
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

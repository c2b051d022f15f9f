// Per-node parameters backing the node equations. Parameters split into
// independent values fixed at construction (profiles, capacities, static
// tables) and time-varying values (interpolated series, control-written
// setpoints, allocation-written bounds). The integrator never writes
// parameters; the control and allocation engines write them only at
// suspension points, so no synchronization is needed within a run.

package sim

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"
)

// DynScalar is a time-varying scalar parameter. It starts out driven by
// a series (or a constant) and may later be pinned to a fixed value by a
// control engine write.
type DynScalar struct {
	series *Series
	value  float64
}

// NewDynConstant returns a DynScalar fixed at v until a control write.
func NewDynConstant(v float64) *DynScalar { return &DynScalar{value: v} }

// NewDynSeries returns a DynScalar driven by a series until a control write.
func NewDynSeries(s *Series) *DynScalar { return &DynScalar{series: s} }

// At evaluates the parameter at time t.
func (d *DynScalar) At(t float64) float64 {
	if d.series != nil {
		return d.series.At(t)
	}
	return d.value
}

// RateOfChange estimates the parameter's time derivative at t.
func (d *DynScalar) RateOfChange(t float64) float64 {
	if d.series != nil {
		return d.series.RateOfChange(t)
	}
	return 0
}

// Set pins the parameter to a fixed value, detaching any driving series.
func (d *DynScalar) Set(v float64) {
	d.series = nil
	d.value = v
}

// BasinProfile relates a basin's storage volume to its water level and
// wetted area, derived from a (level, area) table by trapezoidal
// integration. Levels must be strictly increasing; areas positive.
type BasinProfile struct {
	levels, areas, storages []float64

	levelOf   interp.PiecewiseLinear // storage -> level
	areaOf    interp.PiecewiseLinear // storage -> area
	storageOf interp.PiecewiseLinear // level -> storage
}

// NewBasinProfile validates and integrates a (level, area) table.
func NewBasinProfile(levels, areas []float64) (*BasinProfile, error) {
	if len(levels) != len(areas) {
		return nil, validationErrorf("basin profile: %d levels but %d areas", len(levels), len(areas))
	}
	if len(levels) < 2 {
		return nil, validationErrorf("basin profile: need at least 2 rows, got %d", len(levels))
	}
	if !sort.Float64sAreSorted(levels) {
		return nil, validationErrorf("basin profile: levels not increasing")
	}
	for i := 1; i < len(levels); i++ {
		if levels[i] == levels[i-1] {
			return nil, validationErrorf("basin profile: duplicate level %g", levels[i])
		}
	}
	for i, a := range areas {
		if a <= 0 {
			return nil, validationErrorf("basin profile: area %g at row %d must be positive", a, i)
		}
	}
	storages := make([]float64, len(levels))
	for i := 1; i < len(levels); i++ {
		storages[i] = storages[i-1] + 0.5*(areas[i]+areas[i-1])*(levels[i]-levels[i-1])
	}
	p := &BasinProfile{levels: levels, areas: areas, storages: storages}
	if err := p.levelOf.Fit(storages, levels); err != nil {
		return nil, validationErrorf("basin profile: %v", err)
	}
	if err := p.areaOf.Fit(storages, areas); err != nil {
		return nil, validationErrorf("basin profile: %v", err)
	}
	if err := p.storageOf.Fit(levels, storages); err != nil {
		return nil, validationErrorf("basin profile: %v", err)
	}
	return p, nil
}

// Level returns the water level at the given storage. Above the top of
// the table the basin walls are vertical at the top area.
func (p *BasinProfile) Level(storage float64) float64 {
	top := p.storages[len(p.storages)-1]
	if storage > top {
		return p.levels[len(p.levels)-1] + (storage-top)/p.areas[len(p.areas)-1]
	}
	if storage < 0 {
		return p.levels[0]
	}
	return p.levelOf.Predict(storage)
}

// Area returns the wetted area at the given storage.
func (p *BasinProfile) Area(storage float64) float64 {
	if storage < 0 {
		return p.areas[0]
	}
	return p.areaOf.Predict(storage) // constant extrapolation above the table
}

// StorageFromLevel inverts the profile.
func (p *BasinProfile) StorageFromLevel(level float64) float64 {
	top := p.levels[len(p.levels)-1]
	if level > top {
		return p.storages[len(p.storages)-1] + (level-top)*p.areas[len(p.areas)-1]
	}
	if level < p.levels[0] {
		return 0
	}
	return p.storageOf.Predict(level)
}

// Bottom returns the basin bottom level.
func (p *BasinProfile) Bottom() float64 { return p.levels[0] }

// LowStorageThreshold returns the storage below which structure flows
// out of this basin are smoothly reduced: the storage of a DepthBand
// water column above the bottom.
func (p *BasinProfile) LowStorageThreshold() float64 {
	return p.StorageFromLevel(p.Bottom() + DepthBand)
}

// BasinParams holds one basin's profile and direct forcing series.
// Nil series mean no forcing of that kind.
type BasinParams struct {
	NodeID       int
	Profile      *BasinProfile
	InitialLevel float64

	Precipitation        *Series // m/s over wetted area, into the basin
	PotentialEvaporation *Series // m/s over wetted area, out of the basin
	Drainage             *Series // m3/s into the basin
	Infiltration         *Series // m3/s out of the basin
}

// LinearResistanceParams: q = (h_up - h_down) / resistance, clamped.
type LinearResistanceParams struct {
	NodeID     int
	Resistance *DynScalar // s/m2, must stay positive
	MaxFlow    float64    // magnitude bound; +inf if unset
}

// ManningResistanceParams: Manning-Gauckler-Strickler flow between two
// levels through a wide rectangular profile.
type ManningResistanceParams struct {
	NodeID       int
	Length       float64 // reach length, m
	ProfileWidth float64 // bottom width, m
	ManningN     float64 // roughness
	BedLevel     float64 // reach bed elevation, m
}

// RatingCurveParams: q = table(upstream level), one-directional.
type RatingCurveParams struct {
	NodeID int
	Table  *Relation // level -> discharge, non-negative
}

// PumpParams: q = requested rate clamped to [MinFlow, MaxFlow] and to the
// allocation bound, reduced smoothly when the source basin nears empty.
type PumpParams struct {
	NodeID   int
	FlowRate *DynScalar
	MinFlow  float64
	MaxFlow  float64
	// ControlledBy is the PidControl node driving this pump, 0 if none.
	ControlledBy int
	// AllocationControlled marks the pump's upper bound as owned by the
	// allocation engine; AllocationBound then tracks the latest solve.
	AllocationControlled bool
	AllocationBound      float64
}

// OutletParams: like a pump but gravity-driven; flow is smoothly cut as
// the head difference vanishes or the upstream level drops below the
// crest.
type OutletParams struct {
	NodeID        int
	FlowRate      *DynScalar
	MinFlow       float64
	MaxFlow       float64
	MinCrestLevel float64 // no flow when upstream level is below this; -inf if unset
	ControlledBy  int
	// AllocationControlled marks the outlet's upper bound as owned by the
	// allocation engine; AllocationBound then tracks the latest solve.
	AllocationControlled bool
	AllocationBound      float64
}

// FlowBoundaryParams: a source with a prescribed non-negative flow.
type FlowBoundaryParams struct {
	NodeID   int
	FlowRate *Series
}

// LevelBoundaryParams: an external water body with a prescribed level.
type LevelBoundaryParams struct {
	NodeID int
	Level  *DynScalar
}

// UserDemandParams: a demand node abstracting water at allocation-granted
// rates per priority tier and returning a fraction downstream.
type UserDemandParams struct {
	NodeID       int
	Demands      map[int]*Series // tier -> demanded rate, m3/s
	ReturnFactor float64         // fraction of abstraction returned downstream
	MinLevel     float64         // abstraction reduced when source level nears this
	Active       bool

	// Allocated is written by the allocation engine per tier. When the
	// allocation engine is inactive the full demand is granted.
	Allocated map[int]float64
}

// Tiers returns the demand's priority tiers in ascending order.
// Ascending tier number means descending priority.
func (ud *UserDemandParams) Tiers() []int {
	tiers := make([]int, 0, len(ud.Demands))
	for tier := range ud.Demands {
		tiers = append(tiers, tier)
	}
	sort.Ints(tiers)
	return tiers
}

// FractionalFlowParams: passes a fraction of the upstream node's flow.
type FractionalFlowParams struct {
	NodeID   int
	Fraction *DynScalar // in [0, 1]
}

// Parameters aggregates all per-node parameters, keyed by node ID.
type Parameters struct {
	Basins             map[int]*BasinParams
	LinearResistances  map[int]*LinearResistanceParams
	ManningResistances map[int]*ManningResistanceParams
	RatingCurves       map[int]*RatingCurveParams
	Pumps              map[int]*PumpParams
	Outlets            map[int]*OutletParams
	FlowBoundaries     map[int]*FlowBoundaryParams
	LevelBoundaries    map[int]*LevelBoundaryParams
	UserDemands        map[int]*UserDemandParams
	FractionalFlows    map[int]*FractionalFlowParams

	DiscreteControls   map[int]*DiscreteControlParams
	ContinuousControls map[int]*ContinuousControlParams
	PidControls        map[int]*PidControlParams

	// allocDirty is set when a write invalidates the allocation problem
	// structure (a demand toggling active), cleared by the model after
	// the problems are rebuilt.
	allocDirty bool
}

// NewParameters returns an empty parameter set with all maps allocated.
func NewParameters() *Parameters {
	return &Parameters{
		Basins:             map[int]*BasinParams{},
		LinearResistances:  map[int]*LinearResistanceParams{},
		ManningResistances: map[int]*ManningResistanceParams{},
		RatingCurves:       map[int]*RatingCurveParams{},
		Pumps:              map[int]*PumpParams{},
		Outlets:            map[int]*OutletParams{},
		FlowBoundaries:     map[int]*FlowBoundaryParams{},
		LevelBoundaries:    map[int]*LevelBoundaryParams{},
		UserDemands:        map[int]*UserDemandParams{},
		FractionalFlows:    map[int]*FractionalFlowParams{},
		DiscreteControls:   map[int]*DiscreteControlParams{},
		ContinuousControls: map[int]*ContinuousControlParams{},
		PidControls:        map[int]*PidControlParams{},
	}
}

// scalarTarget resolves a (node, parameter-name) pair to the dynamic
// scalar behind it. Used by both control engines and validated once at
// model construction so a bad setpoint can never surface mid-run.
func (p *Parameters) scalarTarget(nodeID int, name string) (*DynScalar, error) {
	switch name {
	case "flow_rate":
		if pp, ok := p.Pumps[nodeID]; ok {
			return pp.FlowRate, nil
		}
		if op, ok := p.Outlets[nodeID]; ok {
			return op.FlowRate, nil
		}
	case "resistance":
		if rp, ok := p.LinearResistances[nodeID]; ok {
			return rp.Resistance, nil
		}
	case "fraction":
		if fp, ok := p.FractionalFlows[nodeID]; ok {
			return fp.Fraction, nil
		}
	case "level":
		if lp, ok := p.LevelBoundaries[nodeID]; ok {
			return lp.Level, nil
		}
	case "target":
		if pc, ok := p.PidControls[nodeID]; ok {
			return pc.Target, nil
		}
	}
	return nil, validationErrorf("node %d has no controllable parameter %q", nodeID, name)
}

// SetScalar applies a control write. "active" on a UserDemand toggles the
// demand and invalidates the allocation problem structure; everything
// else resolves through scalarTarget.
func (p *Parameters) SetScalar(nodeID int, name string, v float64) error {
	if name == "active" {
		ud, ok := p.UserDemands[nodeID]
		if !ok {
			return validationErrorf("node %d has no controllable parameter %q", nodeID, name)
		}
		active := v != 0
		if ud.Active != active {
			ud.Active = active
			p.allocDirty = true
		}
		return nil
	}
	target, err := p.scalarTarget(nodeID, name)
	if err != nil {
		return err
	}
	target.Set(v)
	return nil
}

// AllocationBoundFor returns the structure's allocation-written bound,
// +inf when the node is not allocation-bounded.
func (p *Parameters) AllocationBoundFor(nodeID int) float64 {
	if pp, ok := p.Pumps[nodeID]; ok {
		return pp.AllocationBound
	}
	if op, ok := p.Outlets[nodeID]; ok {
		return op.AllocationBound
	}
	return math.Inf(1)
}

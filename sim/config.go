// YAML run description: one document holds the run settings (times,
// solver tolerances, cadences) and the model itself (nodes, links,
// parameter tables, time series). Nil pointer fields mean "not set in
// YAML" and take the documented defaults. Validation happens in two
// stages: Validate catches malformed specs with their YAML names,
// BuildModel re-checks everything structurally through network.Build
// and NewModel.

package sim

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hydronet-sim/hydronet-sim/sim/network"
	"github.com/hydronet-sim/hydronet-sim/sim/trace"
)

// Config is the root YAML document.
type Config struct {
	Run    RunConfig    `yaml:"run"`
	Solver SolverConfig `yaml:"solver"`
	Nodes  []NodeSpec   `yaml:"nodes"`
	Links  []LinkSpec   `yaml:"links"`
}

// RunConfig holds run-wide settings.
type RunConfig struct {
	StartTime float64 `yaml:"start_time"` // seconds
	EndTime   float64 `yaml:"end_time"`   // seconds

	SaveInterval       *float64 `yaml:"save_interval"`       // default: full run
	AllocationInterval *float64 `yaml:"allocation_interval"` // default: 0 (allocation off)

	BalanceTolerance         *float64 `yaml:"balance_tolerance"`          // m3/s, default 1e-3
	NegativeStorageTolerance *float64 `yaml:"negative_storage_tolerance"` // m3, default 1e-3

	Trace string `yaml:"trace"` // "", "none" or "decisions"
}

// SolverConfig tunes the integrator. Nil fields take solver defaults.
type SolverConfig struct {
	AbsTol         *float64 `yaml:"abstol"`
	RelTol         *float64 `yaml:"reltol"`
	DtInitial      *float64 `yaml:"dt_initial"`
	DtMin          *float64 `yaml:"dt_min"`
	DtMax          *float64 `yaml:"dt_max"`
	MaxNewtonIters *int     `yaml:"max_newton_iters"`
	MaxRejects     *int     `yaml:"max_rejects"`
}

// SeriesSpec is a time series: either a constant or sampled
// (times, values) pairs, linearly interpolated.
type SeriesSpec struct {
	Constant *float64  `yaml:"constant"`
	Times    []float64 `yaml:"times"`
	Values   []float64 `yaml:"values"`
}

func (s *SeriesSpec) isSet() bool {
	return s != nil && (s.Constant != nil || len(s.Times) > 0)
}

func (s *SeriesSpec) toSeries() (*Series, error) {
	if s == nil {
		return nil, nil
	}
	if s.Constant != nil {
		if len(s.Times) > 0 {
			return nil, validationErrorf("series: both constant and samples given")
		}
		return NewConstantSeries(*s.Constant), nil
	}
	return NewSeries(s.Times, s.Values)
}

func (s *SeriesSpec) toDynScalar() (*DynScalar, error) {
	series, err := s.toSeries()
	if err != nil || series == nil {
		return nil, err
	}
	return NewDynSeries(series), nil
}

// minValue returns the smallest sampled value. Series are piecewise
// linear, so sample extrema bound the interpolant.
func (s *SeriesSpec) minValue() float64 {
	if s.Constant != nil {
		return *s.Constant
	}
	minV := math.Inf(1)
	for _, v := range s.Values {
		minV = math.Min(minV, v)
	}
	return minV
}

// RelationSpec is a tabulated continuous function y(x).
type RelationSpec struct {
	Xs []float64 `yaml:"xs"`
	Ys []float64 `yaml:"ys"`
}

func (r *RelationSpec) toRelation() (*Relation, error) {
	if r == nil {
		return nil, validationErrorf("relation: missing")
	}
	return NewRelation(r.Xs, r.Ys)
}

// NodeSpec is one node with exactly one kind-specific section set.
type NodeSpec struct {
	ID         int    `yaml:"id"`
	Kind       string `yaml:"kind"`
	Subnetwork int    `yaml:"subnetwork"`

	Basin             *BasinSpec             `yaml:"basin"`
	LinearResistance  *LinearResistanceSpec  `yaml:"linear_resistance"`
	ManningResistance *ManningResistanceSpec `yaml:"manning_resistance"`
	RatingCurve       *RelationSpec          `yaml:"rating_curve"`
	Pump              *PumpSpec              `yaml:"pump"`
	Outlet            *OutletSpec            `yaml:"outlet"`
	FlowBoundary      *FlowBoundarySpec      `yaml:"flow_boundary"`
	LevelBoundary     *LevelBoundarySpec     `yaml:"level_boundary"`
	UserDemand        *UserDemandSpec        `yaml:"user_demand"`
	FractionalFlow    *FractionalFlowSpec    `yaml:"fractional_flow"`
	DiscreteControl   *DiscreteControlSpec   `yaml:"discrete_control"`
	ContinuousControl *ContinuousControlSpec `yaml:"continuous_control"`
	PidControl        *PidControlSpec        `yaml:"pid_control"`
}

// LinkSpec is one directed link; role defaults to flow.
type LinkSpec struct {
	ID   int    `yaml:"id"`
	From int    `yaml:"from"`
	To   int    `yaml:"to"`
	Role string `yaml:"role"` // "", "flow" or "control"
}

type BasinSpec struct {
	Profile      ProfileSpec `yaml:"profile"`
	InitialLevel float64     `yaml:"initial_level"`

	Precipitation        *SeriesSpec `yaml:"precipitation"`
	PotentialEvaporation *SeriesSpec `yaml:"potential_evaporation"`
	Drainage             *SeriesSpec `yaml:"drainage"`
	Infiltration         *SeriesSpec `yaml:"infiltration"`
}

type ProfileSpec struct {
	Levels []float64 `yaml:"levels"`
	Areas  []float64 `yaml:"areas"`
}

type LinearResistanceSpec struct {
	Resistance *SeriesSpec `yaml:"resistance"`
	MaxFlow    *float64    `yaml:"max_flow"` // default +inf
}

type ManningResistanceSpec struct {
	Length       float64 `yaml:"length"`
	ProfileWidth float64 `yaml:"profile_width"`
	ManningN     float64 `yaml:"manning_n"`
	BedLevel     float64 `yaml:"bed_level"`
}

type PumpSpec struct {
	FlowRate             *SeriesSpec `yaml:"flow_rate"`
	MinFlow              *float64    `yaml:"min_flow"` // default 0
	MaxFlow              *float64    `yaml:"max_flow"` // default +inf
	AllocationControlled bool        `yaml:"allocation_controlled"`
}

type OutletSpec struct {
	FlowRate             *SeriesSpec `yaml:"flow_rate"`
	MinFlow              *float64    `yaml:"min_flow"`
	MaxFlow              *float64    `yaml:"max_flow"`
	MinCrestLevel        *float64    `yaml:"min_crest_level"` // default -inf
	AllocationControlled bool        `yaml:"allocation_controlled"`
}

type FlowBoundarySpec struct {
	FlowRate *SeriesSpec `yaml:"flow_rate"`
}

type LevelBoundarySpec struct {
	Level *SeriesSpec `yaml:"level"`
}

type DemandSpec struct {
	Tier int         `yaml:"tier"`
	Rate *SeriesSpec `yaml:"rate"`
}

type UserDemandSpec struct {
	Demands      []DemandSpec `yaml:"demands"`
	ReturnFactor float64      `yaml:"return_factor"`
	MinLevel     float64      `yaml:"min_level"`
	Active       *bool        `yaml:"active"` // default true
}

type FractionalFlowSpec struct {
	Fraction *SeriesSpec `yaml:"fraction"`
}

type ConditionSpec struct {
	ListenNode int     `yaml:"listen_node"`
	Variable   string  `yaml:"variable"`
	Threshold  float64 `yaml:"threshold"`
	Hysteresis float64 `yaml:"hysteresis"`
}

type SetpointSpec struct {
	Node      int     `yaml:"node"`
	Parameter string  `yaml:"parameter"`
	Value     float64 `yaml:"value"`
}

type DiscreteControlSpec struct {
	Conditions []ConditionSpec           `yaml:"conditions"`
	States     map[string]string         `yaml:"states"`    // truth vector -> state name
	Setpoints  map[string][]SetpointSpec `yaml:"setpoints"` // state name -> writes
}

type ListenSpec struct {
	Node     int     `yaml:"node"`
	Variable string  `yaml:"variable"`
	Weight   float64 `yaml:"weight"`
}

type ContinuousControlSpec struct {
	Listens   []ListenSpec  `yaml:"listens"`
	Relation  *RelationSpec `yaml:"relation"`
	Parameter string        `yaml:"parameter"` // written on the controlled node
}

type PidControlSpec struct {
	ListenNode int         `yaml:"listen_node"`
	Target     *SeriesSpec `yaml:"target"`
	Kp         float64     `yaml:"kp"`
	Ki         float64     `yaml:"ki"`
	Kd         float64     `yaml:"kd"`
}

// Load reads and parses a YAML run description.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the document-level constraints that BuildModel cannot
// report with YAML field names.
func (c *Config) Validate() error {
	if c.Run.EndTime <= c.Run.StartTime {
		return validationErrorf("run: end_time %g not after start_time %g", c.Run.EndTime, c.Run.StartTime)
	}
	if !trace.IsValidLevel(c.Run.Trace) {
		return validationErrorf("run: unknown trace level %q", c.Run.Trace)
	}
	for _, n := range c.Nodes {
		kind, err := network.ParseKind(n.Kind)
		if err != nil {
			return validationErrorf("node %d: %v", n.ID, err)
		}
		if err := n.checkSection(kind); err != nil {
			return err
		}
	}
	for _, l := range c.Links {
		switch l.Role {
		case "", "flow", "control":
		default:
			return validationErrorf("link %d: unknown role %q", l.ID, l.Role)
		}
	}
	return nil
}

// checkSection verifies that exactly the section matching the kind is
// present and that direction conventions hold at input time.
func (n *NodeSpec) checkSection(kind network.Kind) error {
	sections := []struct {
		kind network.Kind
		set  bool
	}{
		{network.KindBasin, n.Basin != nil},
		{network.KindLinearResistance, n.LinearResistance != nil},
		{network.KindManningResistance, n.ManningResistance != nil},
		{network.KindTabulatedRatingCurve, n.RatingCurve != nil},
		{network.KindPump, n.Pump != nil},
		{network.KindOutlet, n.Outlet != nil},
		{network.KindFlowBoundary, n.FlowBoundary != nil},
		{network.KindLevelBoundary, n.LevelBoundary != nil},
		{network.KindUserDemand, n.UserDemand != nil},
		{network.KindFractionalFlow, n.FractionalFlow != nil},
		{network.KindDiscreteControl, n.DiscreteControl != nil},
		{network.KindContinuousControl, n.ContinuousControl != nil},
		{network.KindPidControl, n.PidControl != nil},
	}
	for _, s := range sections {
		if s.kind == kind && !s.set {
			return validationErrorf("node %d: kind %s but no %s section", n.ID, kind, kind)
		}
		if s.kind != kind && s.set {
			return validationErrorf("node %d: kind %s but a %s section", n.ID, kind, s.kind)
		}
	}
	// Boundary sources are non-negative into the network by convention;
	// a negative rate is an input error, never a runtime branch.
	if kind == network.KindFlowBoundary {
		if !n.FlowBoundary.FlowRate.isSet() {
			return validationErrorf("node %d: flow_boundary needs flow_rate", n.ID)
		}
		if n.FlowBoundary.FlowRate.minValue() < 0 {
			return validationErrorf("node %d: flow_boundary flow_rate must be non-negative", n.ID)
		}
	}
	if kind == network.KindUserDemand {
		ud := n.UserDemand
		if len(ud.Demands) == 0 {
			return validationErrorf("node %d: user_demand needs at least one demand tier", n.ID)
		}
		if ud.ReturnFactor < 0 || ud.ReturnFactor > 1 {
			return validationErrorf("node %d: return_factor %g outside [0, 1]", n.ID, ud.ReturnFactor)
		}
		for _, d := range ud.Demands {
			if !d.Rate.isSet() {
				return validationErrorf("node %d: demand tier %d needs a rate", n.ID, d.Tier)
			}
			if d.Rate.minValue() < 0 {
				return validationErrorf("node %d: demand tier %d rate must be non-negative", n.ID, d.Tier)
			}
		}
	}
	return nil
}

// RunOptions converts the run and solver sections.
func (c *Config) RunOptions() RunOptions {
	opts := RunOptions{
		StartTime:  c.Run.StartTime,
		EndTime:    c.Run.EndTime,
		TraceLevel: trace.Level(c.Run.Trace),
	}
	setF := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setF(&opts.SaveInterval, c.Run.SaveInterval)
	setF(&opts.AllocationInterval, c.Run.AllocationInterval)
	setF(&opts.BalanceTolerance, c.Run.BalanceTolerance)
	setF(&opts.NegativeStorageTolerance, c.Run.NegativeStorageTolerance)
	setF(&opts.Solver.AbsTol, c.Solver.AbsTol)
	setF(&opts.Solver.RelTol, c.Solver.RelTol)
	setF(&opts.Solver.DtInitial, c.Solver.DtInitial)
	setF(&opts.Solver.DtMin, c.Solver.DtMin)
	setF(&opts.Solver.DtMax, c.Solver.DtMax)
	if c.Solver.MaxNewtonIters != nil {
		opts.Solver.MaxNewtonIters = *c.Solver.MaxNewtonIters
	}
	if c.Solver.MaxRejects != nil {
		opts.Solver.MaxRejects = *c.Solver.MaxRejects
	}
	return opts
}

// BuildModel validates the config and assembles the ready-to-run model.
func (c *Config) BuildModel() (*Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	nodes := make([]network.Node, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		kind, _ := network.ParseKind(n.Kind)
		nodes = append(nodes, network.Node{ID: n.ID, Kind: kind, Subnetwork: n.Subnetwork})
	}
	links := make([]network.Link, 0, len(c.Links))
	for _, l := range c.Links {
		role := network.RoleFlow
		if l.Role == "control" {
			role = network.RoleControl
		}
		links = append(links, network.Link{ID: l.ID, From: l.From, To: l.To, Role: role})
	}
	g, err := network.Build(nodes, links)
	if err != nil {
		return nil, err
	}

	params := NewParameters()
	for _, n := range c.Nodes {
		if err := n.fillParams(params); err != nil {
			return nil, fmt.Errorf("node %d: %w", n.ID, err)
		}
	}
	return NewModel(g, params, c.RunOptions())
}

func orInf(v *float64, sign int) float64 {
	if v == nil {
		return math.Inf(sign)
	}
	return *v
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// fillParams converts one node's section into its parameter struct.
func (n *NodeSpec) fillParams(p *Parameters) error {
	switch {
	case n.Basin != nil:
		profile, err := NewBasinProfile(n.Basin.Profile.Levels, n.Basin.Profile.Areas)
		if err != nil {
			return err
		}
		bp := &BasinParams{NodeID: n.ID, Profile: profile, InitialLevel: n.Basin.InitialLevel}
		if bp.Precipitation, err = n.Basin.Precipitation.toSeries(); err != nil {
			return err
		}
		if bp.PotentialEvaporation, err = n.Basin.PotentialEvaporation.toSeries(); err != nil {
			return err
		}
		if bp.Drainage, err = n.Basin.Drainage.toSeries(); err != nil {
			return err
		}
		if bp.Infiltration, err = n.Basin.Infiltration.toSeries(); err != nil {
			return err
		}
		p.Basins[n.ID] = bp

	case n.LinearResistance != nil:
		r, err := n.LinearResistance.Resistance.toDynScalar()
		if err != nil {
			return err
		}
		if r == nil {
			return validationErrorf("linear_resistance needs resistance")
		}
		p.LinearResistances[n.ID] = &LinearResistanceParams{
			NodeID: n.ID, Resistance: r, MaxFlow: orInf(n.LinearResistance.MaxFlow, 1),
		}

	case n.ManningResistance != nil:
		mr := n.ManningResistance
		if mr.Length <= 0 || mr.ProfileWidth <= 0 || mr.ManningN <= 0 {
			return validationErrorf("manning_resistance needs positive length, profile_width and manning_n")
		}
		p.ManningResistances[n.ID] = &ManningResistanceParams{
			NodeID: n.ID, Length: mr.Length, ProfileWidth: mr.ProfileWidth,
			ManningN: mr.ManningN, BedLevel: mr.BedLevel,
		}

	case n.RatingCurve != nil:
		table, err := n.RatingCurve.toRelation()
		if err != nil {
			return err
		}
		p.RatingCurves[n.ID] = &RatingCurveParams{NodeID: n.ID, Table: table}

	case n.Pump != nil:
		rate, err := n.Pump.FlowRate.toDynScalar()
		if err != nil {
			return err
		}
		if rate == nil {
			rate = NewDynConstant(0)
		}
		p.Pumps[n.ID] = &PumpParams{
			NodeID: n.ID, FlowRate: rate,
			MinFlow: orZero(n.Pump.MinFlow), MaxFlow: orInf(n.Pump.MaxFlow, 1),
			AllocationControlled: n.Pump.AllocationControlled,
			AllocationBound:      math.Inf(1),
		}

	case n.Outlet != nil:
		rate, err := n.Outlet.FlowRate.toDynScalar()
		if err != nil {
			return err
		}
		if rate == nil {
			rate = NewDynConstant(0)
		}
		p.Outlets[n.ID] = &OutletParams{
			NodeID: n.ID, FlowRate: rate,
			MinFlow: orZero(n.Outlet.MinFlow), MaxFlow: orInf(n.Outlet.MaxFlow, 1),
			MinCrestLevel:        orInf(n.Outlet.MinCrestLevel, -1),
			AllocationControlled: n.Outlet.AllocationControlled,
			AllocationBound:      math.Inf(1),
		}

	case n.FlowBoundary != nil:
		rate, err := n.FlowBoundary.FlowRate.toSeries()
		if err != nil {
			return err
		}
		p.FlowBoundaries[n.ID] = &FlowBoundaryParams{NodeID: n.ID, FlowRate: rate}

	case n.LevelBoundary != nil:
		level, err := n.LevelBoundary.Level.toDynScalar()
		if err != nil {
			return err
		}
		if level == nil {
			return validationErrorf("level_boundary needs level")
		}
		p.LevelBoundaries[n.ID] = &LevelBoundaryParams{NodeID: n.ID, Level: level}

	case n.UserDemand != nil:
		ud := &UserDemandParams{
			NodeID:       n.ID,
			Demands:      map[int]*Series{},
			ReturnFactor: n.UserDemand.ReturnFactor,
			MinLevel:     n.UserDemand.MinLevel,
			Active:       n.UserDemand.Active == nil || *n.UserDemand.Active,
			Allocated:    map[int]float64{},
		}
		for _, d := range n.UserDemand.Demands {
			if _, dup := ud.Demands[d.Tier]; dup {
				return validationErrorf("duplicate demand tier %d", d.Tier)
			}
			rate, err := d.Rate.toSeries()
			if err != nil {
				return err
			}
			ud.Demands[d.Tier] = rate
		}
		p.UserDemands[n.ID] = ud

	case n.FractionalFlow != nil:
		frac, err := n.FractionalFlow.Fraction.toDynScalar()
		if err != nil {
			return err
		}
		if frac == nil {
			return validationErrorf("fractional_flow needs fraction")
		}
		p.FractionalFlows[n.ID] = &FractionalFlowParams{NodeID: n.ID, Fraction: frac}

	case n.DiscreteControl != nil:
		dc := &DiscreteControlParams{
			NodeID:    n.ID,
			States:    n.DiscreteControl.States,
			Setpoints: map[string][]Setpoint{},
		}
		for _, c := range n.DiscreteControl.Conditions {
			if c.Hysteresis < 0 {
				return validationErrorf("condition hysteresis must be non-negative")
			}
			dc.Conditions = append(dc.Conditions, &Condition{
				ListenNodeID: c.ListenNode, Variable: c.Variable,
				Threshold: c.Threshold, Hysteresis: c.Hysteresis,
			})
		}
		for state, sps := range n.DiscreteControl.Setpoints {
			for _, sp := range sps {
				dc.Setpoints[state] = append(dc.Setpoints[state], Setpoint{
					NodeID: sp.Node, Parameter: sp.Parameter, Value: sp.Value,
				})
			}
		}
		for vector, state := range n.DiscreteControl.States {
			if len(vector) != len(dc.Conditions) {
				return validationErrorf("truth vector %q does not match %d conditions", vector, len(dc.Conditions))
			}
			if _, ok := dc.Setpoints[state]; !ok {
				return validationErrorf("state %q has no setpoints", state)
			}
		}
		p.DiscreteControls[n.ID] = dc

	case n.ContinuousControl != nil:
		rel, err := n.ContinuousControl.Relation.toRelation()
		if err != nil {
			return err
		}
		cc := &ContinuousControlParams{
			NodeID:          n.ID,
			Relation:        rel,
			TargetParameter: n.ContinuousControl.Parameter,
		}
		for _, l := range n.ContinuousControl.Listens {
			cc.Listens = append(cc.Listens, Listen{NodeID: l.Node, Variable: l.Variable, Weight: l.Weight})
		}
		if len(cc.Listens) == 0 {
			return validationErrorf("continuous_control needs at least one listen")
		}
		p.ContinuousControls[n.ID] = cc

	case n.PidControl != nil:
		target, err := n.PidControl.Target.toDynScalar()
		if err != nil {
			return err
		}
		if target == nil {
			return validationErrorf("pid_control needs target")
		}
		p.PidControls[n.ID] = &PidControlParams{
			NodeID: n.ID, ListenNodeID: n.PidControl.ListenNode,
			Target: target, Kp: n.PidControl.Kp, Ki: n.PidControl.Ki, Kd: n.PidControl.Kd,
		}
	}
	return nil
}

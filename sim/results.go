// Result tables. Rows are appended at save points in deterministic
// order (node and link IDs ascending, time ascending), kept in memory
// during the run and written as CSV at the end; nothing is flushed from
// inside the stepping loop.

package sim

import (
	"encoding/csv"
	"io"
	"strconv"
)

// BasinRow is one basin's state at a save point. Rates are means over
// the elapsed save interval; BalanceError is the accumulated
// inflow - outflow + forcing - storage change over that interval, m3.
type BasinRow struct {
	Time    float64
	NodeID  int
	Storage float64 // m3
	Level   float64 // m

	Inflow        float64 // m3/s, mean over the save interval
	Outflow       float64 // m3/s
	Precipitation float64 // m3/s
	Evaporation   float64 // m3/s
	Drainage      float64 // m3/s
	Infiltration  float64 // m3/s

	BalanceError float64 // m3
}

// FlowRow is one link's instantaneous flow rate at a save point.
type FlowRow struct {
	Time   float64
	LinkID int
	From   int
	To     int
	Rate   float64 // m3/s, in link direction
}

// AllocationRow is one (demand node, tier) grant from one allocation
// solve.
type AllocationRow struct {
	Time       float64
	Subnetwork int
	NodeID     int
	Tier       int
	Demanded   float64 // m3/s
	Granted    float64 // m3/s
}

// Results holds every emitted row of one run, stamped with the run ID.
type Results struct {
	RunID string

	BasinRows      []BasinRow
	FlowRows       []FlowRow
	AllocationRows []AllocationRow
}

// NewResults returns empty result tables for the given run.
func NewResults(runID string) *Results {
	return &Results{RunID: runID}
}

func fmtF(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
func fmtI(v int) string     { return strconv.Itoa(v) }

// WriteBasins writes the basin table as CSV.
func (r *Results) WriteBasins(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"time", "node_id", "storage", "level", "inflow", "outflow",
		"precipitation", "evaporation", "drainage", "infiltration", "balance_error",
	}); err != nil {
		return err
	}
	for _, row := range r.BasinRows {
		if err := cw.Write([]string{
			fmtF(row.Time), fmtI(row.NodeID), fmtF(row.Storage), fmtF(row.Level),
			fmtF(row.Inflow), fmtF(row.Outflow), fmtF(row.Precipitation),
			fmtF(row.Evaporation), fmtF(row.Drainage), fmtF(row.Infiltration),
			fmtF(row.BalanceError),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFlows writes the link flow table as CSV.
func (r *Results) WriteFlows(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "link_id", "from_node", "to_node", "flow_rate"}); err != nil {
		return err
	}
	for _, row := range r.FlowRows {
		if err := cw.Write([]string{
			fmtF(row.Time), fmtI(row.LinkID), fmtI(row.From), fmtI(row.To), fmtF(row.Rate),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteAllocations writes the allocation table as CSV.
func (r *Results) WriteAllocations(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "subnetwork", "node_id", "tier", "demanded", "granted"}); err != nil {
		return err
	}
	for _, row := range r.AllocationRows {
		if err := cw.Write([]string{
			fmtF(row.Time), fmtI(row.Subnetwork), fmtI(row.NodeID), fmtI(row.Tier),
			fmtF(row.Demanded), fmtF(row.Granted),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

package feature

import "time"

// NeutralInformedProbability is reported until the first volume bucket fills.
const NeutralInformedProbability = 0.5

// Snapshot is the feature state of one instrument as of one bar. It is a
// value: a newer snapshot supersedes an older one, nothing edits it.
type Snapshot struct {
	Instrument               string    `json:"instrument"`
	OrderFlowImbalance       float64   `json:"order_flow_imbalance"`
	CumulativeSignedVolume   float64   `json:"cumulative_signed_volume"`
	InformedTradeProbability float64   `json:"informed_trade_probability"`
	AsOf                     time.Time `json:"as_of"`
	// InformedAsOf is the close time of the bar that completed the bucket the
	// probability derives from. Zero until a bucket completes.
	InformedAsOf time.Time `json:"informed_as_of"`
	Bars         int       `json:"bars"`
	// Warm is false when the window was too short and neutral values were
	// returned instead.
	Warm bool `json:"warm"`
}

// NeutralSnapshot is the cold-start answer: no imbalance, no signed volume and
// an even informed-trade probability.
func NeutralSnapshot(instrument string, asOf time.Time, bars int) Snapshot {
	return Snapshot{
		Instrument:               instrument,
		OrderFlowImbalance:       0,
		CumulativeSignedVolume:   0,
		InformedTradeProbability: NeutralInformedProbability,
		AsOf:                     asOf,
		Bars:                     bars,
		Warm:                     false,
	}
}

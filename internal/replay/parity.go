package replay

import (
	"context"
	"fmt"
	"reflect"

	"tradecore/internal/live"
	"tradecore/internal/market"
	"tradecore/internal/pipeline"
)

// Divergence is the first bar where replay and live disagreed.
type Divergence struct {
	Index  int        `json:"index"`
	Bar    market.Bar `json:"bar"`
	Field  string     `json:"field"`
	Replay string     `json:"replay"`
	Live   string     `json:"live"`
}

type ParityReport struct {
	Bars       int         `json:"bars"`
	Compared   int         `json:"compared"`
	Divergence *Divergence `json:"divergence,omitempty"`
}

func (p ParityReport) Equal() bool { return p.Divergence == nil }

type outcome struct {
	step pipeline.Step
	err  string
}

// VerifyParity runs bars through the replay harness and through the live
// loop fed by a channel source, each on a freshly built stack, and compares
// every bar's snapshot, intents, results and error.
func VerifyParity(ctx context.Context, bars []market.Bar, factory Factory) (ParityReport, error) {
	sorted := SortBars(bars)
	rep := ParityReport{Bars: len(sorted)}

	replayed, err := runReplay(ctx, sorted, factory)
	if err != nil {
		return rep, fmt.Errorf("replay run: %w", err)
	}
	lived, err := runLive(ctx, sorted, factory)
	if err != nil {
		return rep, fmt.Errorf("live run: %w", err)
	}

	n := len(replayed)
	if len(lived) < n {
		n = len(lived)
	}
	for i := 0; i < n; i++ {
		if d := compare(i, replayed[i], lived[i]); d != nil {
			rep.Divergence = d
			return rep, nil
		}
		rep.Compared++
	}
	if len(replayed) != len(lived) {
		rep.Divergence = &Divergence{
			Index:  n,
			Field:  "bars",
			Replay: fmt.Sprint(len(replayed)),
			Live:   fmt.Sprint(len(lived)),
		}
	}
	return rep, nil
}

func runReplay(ctx context.Context, sorted []market.Bar, factory Factory) ([]outcome, error) {
	stack, err := factory()
	if err != nil {
		return nil, err
	}
	h, err := New(stack)
	if err != nil {
		return nil, err
	}
	rep, err := h.Run(ctx, sorted)
	if err != nil {
		return nil, err
	}
	out := make([]outcome, 0, len(sorted))
	steps, errs := rep.Steps, rep.Errors
	for i := range sorted {
		if len(errs) > 0 && errs[0].Index == i {
			out = append(out, outcome{step: pipeline.Step{Bar: sorted[i]}, err: errs[0].Err})
			errs = errs[1:]
			continue
		}
		out = append(out, outcome{step: steps[0]})
		steps = steps[1:]
	}
	return out, nil
}

func runLive(ctx context.Context, sorted []market.Bar, factory Factory) ([]outcome, error) {
	stack, err := factory()
	if err != nil {
		return nil, err
	}
	var out []outcome
	loop, err := live.New(live.Config{
		Source: market.NewChannelSource(market.BarsFromSlice(sorted), nil),
		Runner: stack.Runner,
		OnStep: func(step pipeline.Step, err error) {
			o := outcome{step: step}
			if err != nil {
				o.step = pipeline.Step{Bar: step.Bar}
				o.err = err.Error()
			}
			out = append(out, o)
		},
	})
	if err != nil {
		return nil, err
	}
	if err := loop.Run(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func compare(i int, a, b outcome) *Divergence {
	d := func(field string, x, y any) *Divergence {
		return &Divergence{Index: i, Bar: a.step.Bar, Field: field, Replay: fmt.Sprintf("%+v", x), Live: fmt.Sprintf("%+v", y)}
	}
	switch {
	case a.err != b.err:
		return d("error", a.err, b.err)
	case !reflect.DeepEqual(a.step.Snapshot, b.step.Snapshot):
		return d("snapshot", a.step.Snapshot, b.step.Snapshot)
	case !reflect.DeepEqual(a.step.Intents, b.step.Intents):
		return d("intents", a.step.Intents, b.step.Intents)
	case !reflect.DeepEqual(a.step.Results, b.step.Results):
		return d("results", a.step.Results, b.step.Results)
	}
	return nil
}

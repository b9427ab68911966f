package main

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"
)

// tally accumulates results from concurrent evaluations.
type tally struct {
	mu sync.Mutex

	tp, fp, tn, fn int64
	errors         int64
	outcomes       int64
	latency        time.Duration

	byDecision map[string]int64
	// ruleHits counts triggers per rule split by label.
	ruleHits map[string]*ruleHits
}

type ruleHits struct {
	fraud, legit int64
}

func newTally() *tally {
	return &tally{
		byDecision: make(map[string]int64),
		ruleHits:   make(map[string]*ruleHits),
	}
}

func (t *tally) fail() {
	t.mu.Lock()
	t.errors++
	t.mu.Unlock()
}

func (t *tally) outcomeSent() {
	t.mu.Lock()
	t.outcomes++
	t.mu.Unlock()
}

func (t *tally) record(r row, s *scoreResponse, flagged bool, took time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.latency += took
	t.byDecision[s.Decision]++
	switch {
	case flagged && r.IsFraud:
		t.tp++
	case flagged:
		t.fp++
	case r.IsFraud:
		t.fn++
	default:
		t.tn++
	}

	for _, tr := range s.TriggeredRules {
		h := t.ruleHits[tr.Code]
		if h == nil {
			h = &ruleHits{}
			t.ruleHits[tr.Code] = h
		}
		if r.IsFraud {
			h.fraud++
		} else {
			h.legit++
		}
	}
}

func (t *tally) scored() int64 {
	return t.tp + t.fp + t.tn + t.fn
}

func ratio(n, d int64) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// write prints the report. Call only after every evaluation finished.
func (t *tally) write(w io.Writer, elapsed time.Duration) {
	precision := ratio(t.tp, t.tp+t.fp)
	recall := ratio(t.tp, t.tp+t.fn)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nRESULTS")
	fmt.Fprintf(tw, "scored\t%d\n", t.scored())
	fmt.Fprintf(tw, "errors\t%d\n", t.errors)
	if t.outcomes > 0 {
		fmt.Fprintf(tw, "outcomes confirmed\t%d\n", t.outcomes)
	}

	fmt.Fprintln(tw, "\n\tflagged\tpassed")
	fmt.Fprintf(tw, "fraud\t%d\t%d\n", t.tp, t.fn)
	fmt.Fprintf(tw, "legitimate\t%d\t%d\n", t.fp, t.tn)

	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "precision\t%.4f\n", precision)
	fmt.Fprintf(tw, "recall\t%.4f\n", recall)
	fmt.Fprintf(tw, "f1\t%.4f\n", f1)
	fmt.Fprintf(tw, "false alarm rate\t%.4f\n", ratio(t.fp, t.fp+t.tn))

	fmt.Fprintln(tw, "\nDECISIONS")
	for _, d := range []string{"allow", "challenge", "review", "block"} {
		fmt.Fprintf(tw, "%s\t%d\t%.2f%%\n", d, t.byDecision[d], 100*ratio(t.byDecision[d], t.scored()))
	}

	if len(t.ruleHits) > 0 {
		codes := make([]string, 0, len(t.ruleHits))
		for code := range t.ruleHits {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		fmt.Fprintln(tw, "\nRULES\tfraud\tlegitimate\tprecision")
		for _, code := range codes {
			h := t.ruleHits[code]
			fmt.Fprintf(tw, "%s\t%d\t%d\t%.4f\n", code, h.fraud, h.legit, ratio(h.fraud, h.fraud+h.legit))
		}
	}

	fmt.Fprintln(tw, "\nTIMING")
	fmt.Fprintf(tw, "elapsed\t%v\n", elapsed.Round(time.Millisecond))
	if n := t.scored(); n > 0 {
		fmt.Fprintf(tw, "mean latency\t%v\n", (t.latency / time.Duration(n)).Round(time.Microsecond))
		fmt.Fprintf(tw, "throughput\t%.1f tx/s\n", float64(n)/elapsed.Seconds())
	}
	tw.Flush()
}

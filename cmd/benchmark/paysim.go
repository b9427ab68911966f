package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cast"
)

// row is one PaySim transaction with its fraud label.
type row struct {
	Index          int
	Step           int
	Type           string
	Amount         float64
	NameOrig       string
	OldBalanceOrig float64
	NewBalanceOrig float64
	NameDest       string
	OldBalanceDest float64
	NewBalanceDest float64
	IsFraud        bool
}

// drained reports whether the origin account was emptied, the classic
// PaySim account-takeover shape.
func (r row) drained() bool {
	return r.OldBalanceOrig > 0 && r.NewBalanceOrig == 0
}

// evalContext is the evaluation context sent to /evaluate.
func (r row) evalContext() map[string]any {
	return map[string]any{
		"amount":           r.Amount,
		"currency":         "USD",
		"type":             r.Type,
		"user_id":          r.NameOrig,
		"destination_id":   r.NameDest,
		"old_balance":      r.OldBalanceOrig,
		"new_balance":      r.NewBalanceOrig,
		"dest_old_balance": r.OldBalanceDest,
		"dest_new_balance": r.NewBalanceDest,
		"step":             r.Step,
	}
}

type selection struct {
	limit     int
	fraudOnly bool
	// sample keeps this share of legitimate rows; fraud rows are always kept.
	sample float64
}

var paysimColumns = []string{
	"step", "type", "amount", "nameorig", "oldbalanceorg", "newbalanceorig",
	"namedest", "oldbalancedest", "newbalancedest", "isfraud",
}

// scanPaySim streams selected rows from path into emit until the limit is
// reached or emit returns false. Malformed lines are counted and skipped.
func scanPaySim(path string, sel selection, emit func(row) bool) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range paysimColumns {
		if _, ok := col[name]; !ok {
			return 0, fmt.Errorf("missing column %q", name)
		}
	}

	emitted, legit := 0, 0
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return skipped, nil
		}
		if err != nil {
			skipped++
			continue
		}

		fraud := rec[col["isfraud"]] == "1"
		if !fraud {
			if sel.fraudOnly {
				continue
			}
			legit++
			// Deterministic thinning: keep the first sample*100 of every 100.
			if sel.sample < 1 && float64(legit%100) >= sel.sample*100 {
				continue
			}
		}

		next := row{
			Index:          line,
			Step:           cast.ToInt(rec[col["step"]]),
			Type:           rec[col["type"]],
			Amount:         cast.ToFloat64(rec[col["amount"]]),
			NameOrig:       rec[col["nameorig"]],
			OldBalanceOrig: cast.ToFloat64(rec[col["oldbalanceorg"]]),
			NewBalanceOrig: cast.ToFloat64(rec[col["newbalanceorig"]]),
			NameDest:       rec[col["namedest"]],
			OldBalanceDest: cast.ToFloat64(rec[col["oldbalancedest"]]),
			NewBalanceDest: cast.ToFloat64(rec[col["newbalancedest"]]),
			IsFraud:        fraud,
		}
		if !emit(next) {
			return skipped, nil
		}
		if emitted++; sel.limit > 0 && emitted >= sel.limit {
			return skipped, nil
		}
	}
}

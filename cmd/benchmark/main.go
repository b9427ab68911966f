// Command benchmark replays a labelled PaySim CSV against a running Kestrel
// and reports how well its decisions separate fraud from legitimate traffic.
// With -feedback it confirms every label, so rule precision learns as it runs.
//
//	go run ./cmd/benchmark -csv paysim.csv -url http://localhost:8080 -feedback
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

type scoreResponse struct {
	ID             string  `json:"id"`
	TotalScore     float64 `json:"totalScore"`
	Decision       string  `json:"decision"`
	RiskLevel      string  `json:"riskLevel"`
	TriggeredRules []struct {
		Code string `json:"code"`
	} `json:"triggeredRules"`
}

type client struct {
	http    *http.Client
	baseURL string
	actor   string
}

func (c *client) post(ctx context.Context, path string, payload, out any, want int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", c.actor)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

// evaluate scores one row. PaySim names repeat, so the line number keeps
// entity ids unique across a run.
func (c *client) evaluate(ctx context.Context, r row) (*scoreResponse, error) {
	var s scoreResponse
	err := c.post(ctx, "/evaluate", map[string]any{
		"entity": map[string]string{
			"kind": "transaction",
			"id":   fmt.Sprintf("paysim-%d-%s", r.Index, r.NameOrig),
		},
		"context": r.evalContext(),
	}, &s, http.StatusOK)
	return &s, err
}

func (c *client) confirm(ctx context.Context, scoreID string, fraud bool) error {
	outcome := "legitimate"
	if fraud {
		outcome = "fraud"
	}
	return c.post(ctx, "/scores/"+scoreID+"/outcome", map[string]string{
		"outcome": outcome,
		"notes":   "paysim label",
	}, nil, http.StatusNoContent)
}

func main() {
	csvPath := flag.String("csv", "", "PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	actor := flag.String("actor", "benchmark", "X-Actor-ID sent with every request")
	limit := flag.Int("limit", 10000, "rows to score (0 = all)")
	workers := flag.Int("workers", 10, "concurrent requests")
	fraudOnly := flag.Bool("fraud-only", false, "score fraud rows only")
	sample := flag.Float64("sample", 1.0, "share of legitimate rows to keep (0.0-1.0)")
	flagOn := flag.String("flag-on", "review,block", "decisions counted as a fraud prediction")
	feedback := flag.Bool("feedback", false, "confirm each label via POST /scores/{id}/outcome")
	verbose := flag.Bool("verbose", false, "print every scored row")
	flag.Parse()

	if *csvPath == "" {
		fmt.Fprintln(os.Stderr, "usage: benchmark -csv paysim.csv [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	flagged := make(map[string]bool)
	for _, d := range strings.Split(*flagOn, ",") {
		if d = strings.TrimSpace(d); d != "" {
			flagged[d] = true
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := &client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(*baseURL, "/"),
		actor:   *actor,
	}
	if err := c.healthy(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "kestrel at %s: %v\n", c.baseURL, err)
		os.Exit(1)
	}

	fmt.Printf("kestrel benchmark: %s -> %s (workers=%d limit=%d sample=%.2f flag-on=%s feedback=%v)\n",
		*csvPath, c.baseURL, *workers, *limit, *sample, *flagOn, *feedback)

	t := newTally()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*workers)

	start := time.Now()
	skipped, err := scanPaySim(*csvPath, selection{limit: *limit, fraudOnly: *fraudOnly, sample: *sample}, func(r row) bool {
		if gctx.Err() != nil {
			return false
		}
		g.Go(func() error {
			began := time.Now()
			s, err := c.evaluate(gctx, r)
			if err != nil {
				t.fail()
				if *verbose {
					fmt.Printf("error line %d: %v\n", r.Index, err)
				}
				return nil
			}
			hit := flagged[s.Decision]
			t.record(r, s, hit, time.Since(began))

			if *feedback {
				if err := c.confirm(gctx, s.ID, r.IsFraud); err != nil {
					t.fail()
				} else {
					t.outcomeSent()
				}
			}
			if *verbose {
				mark := "ok "
				if hit != r.IsFraud {
					mark = "bad"
				}
				fmt.Printf("%s line=%-8d %-9s %12.2f fraud=%-5v drained=%-5v -> %-9s %6.2f\n",
					mark, r.Index, r.Type, r.Amount, r.IsFraud, r.drained(), s.Decision, s.TotalScore)
			}
			return nil
		})
		return true
	})
	_ = g.Wait()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *csvPath, err)
		os.Exit(1)
	}
	if skipped > 0 {
		fmt.Printf("skipped %d malformed lines\n", skipped)
	}

	t.write(os.Stdout, time.Since(start))
}

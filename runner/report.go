package runner

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/multierr"

	"github.com/nvr-ai/batch-detect/profiler"
)

// Summary is the outcome of a batch.
type Summary struct {
	RunID string
	// Results holds one entry per listed file, in listing order.
	Results   []Result
	Processed int
	Failed    int
	Elapsed   time.Duration
	Stages    []profiler.StageStats
}

func newSummary(runID string, results []Result, elapsed time.Duration, stages []profiler.StageStats) Summary {
	s := Summary{RunID: runID, Results: results, Elapsed: elapsed, Stages: stages}
	for _, res := range results {
		if res.Err != nil {
			s.Failed++
		} else {
			s.Processed++
		}
	}
	return s
}

// Err combines every per-image error, or returns nil when all images succeeded.
func (s Summary) Err() error {
	var err error
	for _, res := range s.Results {
		err = multierr.Append(err, res.Err)
	}
	return err
}

// Detections returns the total number of drawn detections.
func (s Summary) Detections() int {
	n := 0
	for _, res := range s.Results {
		n += len(res.Detections)
	}
	return n
}

// Write prints the counts line, the failures and the stage timing table.
func (s Summary) Write(w io.Writer) {
	fmt.Fprintf(w, "processed %d, failed %d in %s (run %s)\n",
		s.Processed, s.Failed, s.Elapsed.Round(time.Millisecond), s.RunID)

	if s.Failed > 0 {
		t := table.NewWriter()
		t.AppendHeader(table.Row{"Image", "Kind", "Error"})
		for _, res := range s.Results {
			if res.Err == nil {
				continue
			}
			t.AppendRow(table.Row{res.File.Name, KindOf(res.Err).String(), res.Err.Error()})
		}
		fmt.Fprintln(w, t.Render())
	}

	if len(s.Stages) == 0 {
		return
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Stage", "Count", "Total", "Avg", "Min", "Max"})
	for _, st := range s.Stages {
		t.AppendRow(table.Row{
			st.Name,
			st.Count,
			st.Total.Round(time.Microsecond),
			st.Avg().Round(time.Microsecond),
			st.Min.Round(time.Microsecond),
			st.Max.Round(time.Microsecond),
		})
	}
	fmt.Fprintln(w, t.Render())
}

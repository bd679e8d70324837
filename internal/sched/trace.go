// internal/sched/trace.go

package sched

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tracer renders the kernel's status events as console lines and, when
// enabled, as a CSV trace.
type Tracer struct {
	RunID string
	out   io.Writer
	ticks bool // also print tick events

	ranTotals map[TaskID]uint64

	// logging-related
	csvFile   *os.File
	csvWriter *csv.Writer
}

// NewTracer writes console lines to out; a nil out keeps only the CSV.
func NewTracer(out io.Writer) *Tracer {
	return &Tracer{
		RunID:     uuid.NewString(),
		out:       out,
		ranTotals: make(map[TaskID]uint64),
	}
}

// ShowTicks includes timer tick events in the console output.
func (tr *Tracer) ShowTicks(on bool) { tr.ticks = on }

// EnableCSVLogging opens the given file path for CSV logging of events.
// Must be called before Run().
func (tr *Tracer) EnableCSVLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"run_id", "timestamp", "cpu", "tick", "event", "task_id", "ran_ticks", "vruntime", "detail"}); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	tr.csvFile = f
	tr.csvWriter = w
	return nil
}

// Run consumes events until ctx is done, then drains what is buffered.
func (tr *Tracer) Run(ctx context.Context, events <-chan StatusEvent) error {
	defer tr.close()
	for {
		select {
		case ev := <-events:
			tr.handleEvent(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-events:
					tr.handleEvent(ev)
				default:
					return nil
				}
			}
		}
	}
}

func (tr *Tracer) close() {
	if tr.csvFile != nil {
		tr.csvWriter.Flush()
		tr.csvFile.Close()
		tr.csvFile, tr.csvWriter = nil, nil
	}
}

// RanTicks is the run time last reported for id.
func (tr *Tracer) RanTicks(id TaskID) uint64 { return tr.ranTotals[id] }

func (tr *Tracer) handleEvent(ev StatusEvent) {
	if ev.RanTicks > 0 {
		tr.ranTotals[ev.TaskID] = ev.RanTicks
	}

	if tr.out != nil && (ev.Kind != StatusTick || tr.ticks) {
		fmt.Fprintln(tr.out, tr.format(ev))
	}

	// CSV output
	if tr.csvWriter != nil {
		rec := []string{
			tr.RunID,
			ev.Time.Format(time.RFC3339Nano),
			strconv.Itoa(ev.CPU),
			strconv.FormatUint(ev.Tick, 10),
			ev.Kind.String(),
			taskLabel(ev.TaskID),
			strconv.FormatUint(ev.RanTicks, 10),
			strconv.FormatUint(ev.Vruntime, 10),
			ev.Detail,
		}
		tr.csvWriter.Write(rec)
		tr.csvWriter.Flush()
	}
}

func (tr *Tracer) format(ev StatusEvent) string {
	// an auxiliary function to center the event kind in the output
	center := func(str string, width int) string {
		spaces := (width - len(str)) / 2
		if spaces < 0 {
			spaces = 0
		}
		return strings.Repeat(" ", spaces) + str + strings.Repeat(" ", max(0, width-(spaces+len(str))))
	}

	msg := fmt.Sprintf("%s = CPU %d Tick: %07d [%s] => Task: %4s, Total ran: %04d ticks, vruntime=%09d",
		ev.Time.Format("Jan 02 15:04:05.000"),
		ev.CPU,
		ev.Tick,
		center(ev.Kind.String(), 16),
		taskLabel(ev.TaskID),
		tr.ranTotals[ev.TaskID],
		ev.Vruntime,
	)
	if ev.Detail != "" {
		msg += " (" + ev.Detail + ")"
	}
	return msg
}

func taskLabel(id TaskID) string {
	if id == NoTask {
		return "-"
	}
	return strconv.FormatUint(uint64(id), 10)
}

/**
 * Progress Reporter
 * Renders a manual download batch for the terminal or for scripts
 *
 * Features:
 * - Progress bar over started, finished and failed files
 * - JSON lines (status, error, state) for programmatic consumption
 * - Quiet mode printing one summary
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-18: Initial implementation
 * - 2025-03-27: Typed JSON lines, single render loop
 */

package progress

import (
  "encoding/json"
  "fmt"
  "io"
  "os"
  "strings"
  "sync"
  "time"

  "github.com/schollz/progressbar/v3"

  "github.com/fmaass/telegram-files/internal/util"
)

// OutputFormat defines the output format for progress reporting
type OutputFormat string

const (
  OutputFormatTerminal OutputFormat = "terminal"
  OutputFormatJSON     OutputFormat = "json"
  OutputFormatQuiet    OutputFormat = "quiet"
)

const (
  refreshInterval = 100 * time.Millisecond

  // jsonInterval throttles status lines between state changes
  jsonInterval = time.Second
)

// ParseOutputFormat maps a flag value to a format, terminal by default
func ParseOutputFormat(s string) OutputFormat {
  switch OutputFormat(strings.ToLower(s)) {
  case OutputFormatJSON:
    return OutputFormatJSON
  case OutputFormatQuiet:
    return OutputFormatQuiet
  default:
    return OutputFormatTerminal
  }
}

// ReporterConfig configures a progress reporter
type ReporterConfig struct {
  Format  OutputFormat
  Output  io.Writer
  ShowETA bool
}

// Reporter writes the progress of a tracker in one output format
type Reporter struct {
  format  OutputFormat
  out     io.Writer
  tracker *Tracker
  bar     *progressbar.ProgressBar

  // writeMu serialises lines with bar redraws
  writeMu  sync.Mutex
  lastJSON time.Time

  done     chan struct{}
  wg       sync.WaitGroup
  stopOnce sync.Once
}

// statusLine is one JSON progress record
type statusLine struct {
  Timestamp   int64   `json:"timestamp"`
  Type        string  `json:"type"`
  State       string  `json:"state"`
  Total       int64   `json:"total_files"`
  Started     int64   `json:"started_files"`
  Finished    int64   `json:"finished_files"`
  Failed      int64   `json:"failed_files"`
  Bytes       int64   `json:"bytes"`
  Percent     float64 `json:"percent"`
  SpeedBPS    float64 `json:"speed_bps"`
  ETASeconds  float64 `json:"eta_seconds"`
  Elapsed     float64 `json:"elapsed_seconds"`
  CurrentFile string  `json:"current_file,omitempty"`
}

// eventLine is a JSON record for a failed file or a state change
type eventLine struct {
  Timestamp int64  `json:"timestamp"`
  Type      string `json:"type"`
  File      string `json:"file,omitempty"`
  Error     string `json:"error,omitempty"`
  State     string `json:"state,omitempty"`
}

// NewReporter creates a reporter for tracker
func NewReporter(tracker *Tracker, config ReporterConfig) *Reporter {
  if config.Output == nil {
    config.Output = os.Stdout
  }
  if config.Format == "" {
    config.Format = OutputFormatTerminal
  }

  r := &Reporter{
    format:  config.Format,
    out:     config.Output,
    tracker: tracker,
    done:    make(chan struct{}),
  }
  if r.format == OutputFormatTerminal {
    r.bar = newBar(config.Output, config.ShowETA)
  }
  return r
}

func newBar(w io.Writer, showETA bool) *progressbar.ProgressBar {
  return progressbar.NewOptions64(
    -1,
    progressbar.OptionSetWriter(w),
    progressbar.OptionEnableColorCodes(true),
    progressbar.OptionSetWidth(24),
    progressbar.OptionSetDescription("[cyan]Waiting for downloads[reset]"),
    progressbar.OptionSetTheme(progressbar.Theme{
      Saucer:        "[green]#[reset]",
      SaucerHead:    "[green]>[reset]",
      SaucerPadding: ".",
      BarStart:      "[",
      BarEnd:        "]",
    }),
    progressbar.OptionShowCount(),
    progressbar.OptionSetPredictTime(showETA),
    progressbar.OptionSetItsString("files"),
    progressbar.OptionThrottle(65*time.Millisecond),
    progressbar.OptionOnCompletion(func() {
      fmt.Fprint(w, "\n")
    }),
  )
}

// Start begins reporting progress
func (r *Reporter) Start() {
  updates := r.tracker.Subscribe()

  r.wg.Add(1)
  go r.loop(updates)
}

// Stop ends reporting and writes the final state once
func (r *Reporter) Stop() {
  r.stopOnce.Do(func() {
    close(r.done)
    r.wg.Wait()

    snapshot := r.tracker.GetSnapshot()
    switch r.format {
    case OutputFormatTerminal:
      r.render(snapshot)
      r.bar.Finish()
    case OutputFormatJSON:
      r.writeJSON(r.status(snapshot))
    case OutputFormatQuiet:
      r.summary(snapshot)
    }
  })
}

func (r *Reporter) loop(updates <-chan Update) {
  defer r.wg.Done()

  ticker := time.NewTicker(refreshInterval)
  defer ticker.Stop()

  for {
    select {
    case update, ok := <-updates:
      if !ok {
        return
      }
      r.handle(update)

    case <-ticker.C:
      switch r.format {
      case OutputFormatTerminal:
        r.render(r.tracker.GetSnapshot())
      case OutputFormatJSON:
        if time.Since(r.lastJSON) >= jsonInterval {
          r.writeJSON(r.status(r.tracker.GetSnapshot()))
        }
      }

    case <-r.done:
      return
    }
  }
}

func (r *Reporter) handle(update Update) {
  switch update.Type {
  case UpdateTypeError:
    switch r.format {
    case OutputFormatTerminal:
      r.writeMu.Lock()
      _ = r.bar.Clear()
      fmt.Fprintf(r.out, "failed: %s: %v\n", update.FileName, update.Error)
      r.writeMu.Unlock()
    case OutputFormatJSON:
      line := eventLine{Timestamp: update.Timestamp.Unix(), Type: "error", File: update.FileName}
      if update.Error != nil {
        line.Error = update.Error.Error()
      }
      r.writeJSON(line)
    }

  case UpdateTypeState:
    if r.format == OutputFormatJSON {
      r.writeJSON(eventLine{
        Timestamp: update.Timestamp.Unix(),
        Type:      "state_change",
        State:     r.tracker.GetSnapshot().State.String(),
      })
    }
  }
}

func (r *Reporter) render(snapshot ProgressSnapshot) {
  r.writeMu.Lock()
  defer r.writeMu.Unlock()

  r.bar.Describe(describe(snapshot))
  if snapshot.TotalFiles > 0 {
    r.bar.ChangeMax64(snapshot.TotalFiles)
  }
  _ = r.bar.Set64(snapshot.DoneFiles())
}

func describe(snapshot ProgressSnapshot) string {
  var parts []string

  switch snapshot.State {
  case StatePaused:
    parts = append(parts, "[yellow]Paused[reset]")
  case StateCompleted:
    parts = append(parts, "[green]Done[reset]")
  case StateError:
    parts = append(parts, "[red]Error[reset]")
  default:
    parts = append(parts, "[cyan]Downloading[reset]")
  }

  if active := snapshot.StartedFiles - snapshot.DoneFiles(); active > 0 {
    parts = append(parts, fmt.Sprintf("%d active", active))
  }
  if snapshot.Bytes > 0 {
    parts = append(parts, util.FormatBytes(snapshot.Bytes))
  }
  if speed := snapshot.BytesPerSecond(); speed > 0 {
    parts = append(parts, util.FormatBytes(int64(speed))+"/s")
  }
  if snapshot.FailedFiles > 0 {
    parts = append(parts, fmt.Sprintf("[red]%d failed[reset]", snapshot.FailedFiles))
  }

  return strings.Join(parts, " · ")
}

func (r *Reporter) status(snapshot ProgressSnapshot) statusLine {
  return statusLine{
    Timestamp:   time.Now().Unix(),
    Type:        "status",
    State:       snapshot.State.String(),
    Total:       snapshot.TotalFiles,
    Started:     snapshot.StartedFiles,
    Finished:    snapshot.FinishedFiles,
    Failed:      snapshot.FailedFiles,
    Bytes:       snapshot.Bytes,
    Percent:     snapshot.PercentComplete(),
    SpeedBPS:    snapshot.BytesPerSecond(),
    ETASeconds:  snapshot.ETA().Seconds(),
    Elapsed:     snapshot.ElapsedTime.Seconds(),
    CurrentFile: snapshot.CurrentFile,
  }
}

func (r *Reporter) writeJSON(v interface{}) {
  data, err := json.Marshal(v)
  if err != nil {
    return
  }

  r.writeMu.Lock()
  defer r.writeMu.Unlock()
  fmt.Fprintln(r.out, string(data))
  r.lastJSON = time.Now()
}

func (r *Reporter) summary(snapshot ProgressSnapshot) {
  fmt.Fprintf(r.out, "Downloaded: %d files, %s in %s\n",
    snapshot.FinishedFiles,
    util.FormatBytes(snapshot.Bytes),
    util.FormatDuration(snapshot.ElapsedTime))

  if snapshot.FailedFiles > 0 {
    fmt.Fprintf(r.out, "Failed: %d\n", snapshot.FailedFiles)
  }
}

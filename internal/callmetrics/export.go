package callmetrics

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CSVPath is where SaveCSV writes for this session.
func (r *Recorder) CSVPath() string {
	return filepath.Join(r.dir, "voice_agent_metrics_"+r.sessionID+".csv")
}

// JSONPath is where SaveJSON writes for this session.
func (r *Recorder) JSONPath() string {
	return filepath.Join(r.dir, "voice_agent_metrics_"+r.sessionID+".json")
}

// SaveCSV writes one row per turn and returns the file path. It returns ""
// without error when nothing was logged.
func (r *Recorder) SaveCSV() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.interactions) == 0 {
		r.logger.Warn("no interactions to save to CSV")
		return "", nil
	}
	r.calculateLocked()

	path := r.CSVPath()
	err := writeFileAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		for _, in := range r.interactions {
			if err := cw.Write(csvRow(in)); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return "", fmt.Errorf("save csv: %w", err)
	}
	r.logger.WithField("path", path).Info("metrics CSV saved")
	return path, nil
}

// SaveJSON runs a metrics pass and writes {session_info, interactions}. An
// empty session still produces a document with a null summary.
func (r *Recorder) SaveJSON() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := Document{
		SessionInfo:  r.calculateLocked(),
		Interactions: make([]Interaction, len(r.interactions)),
	}
	copy(doc.Interactions, r.interactions)

	path := r.JSONPath()
	err := writeFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	})
	if err != nil {
		return "", fmt.Errorf("save json: %w", err)
	}
	r.logger.WithField("path", path).Info("metrics JSON saved")
	return path, nil
}

func csvRow(in Interaction) []string {
	return []string{
		in.SessionID,
		in.Timestamp,
		in.InteractionID,
		formatFloat(in.SpeechStartTime),
		formatFloat(in.SpeechEndTime),
		formatFloat(in.ResponseStartTime),
		formatFloat(in.AgentResponseEndTime),
		formatFloat(in.UserSpeakingTime),
		formatFloat(in.AgentReplyTime),
		formatFloat(in.UserResponseWaitingTime),
		formatFloat(in.AgentIdleTimePerQuestion),
	}
}

// formatFloat renders the shortest round-tripping form, always with a
// fractional part ("2.0", not "2").
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// writeFileAtomic writes through a temp file in the target directory and
// renames it into place, so readers never observe a partial export.
func writeFileAtomic(path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

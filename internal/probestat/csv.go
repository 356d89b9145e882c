// Package probestat records health-probe outcomes to CSV and summarizes
// them for the stats subcommand.
package probestat

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// Sample is one health-probe outcome for one peer.
type Sample struct {
	Timestamp time.Time
	PeerID    string
	Healthy   bool
	RTTMs     float64
}

var header = []string{"timestamp", "peer_id", "healthy", "rtt_ms"}

// AppendCSV appends samples to a probe log, writing the header when the
// file is new or empty.
func AppendCSV(path string, items []Sample) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	for _, s := range items {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.PeerID,
			strconv.FormatBool(s.Healthy),
			strconv.FormatFloat(s.RTTMs, 'f', 3, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// ReadCSV loads samples from a probe log file.
func ReadCSV(path string) ([]Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]Sample, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]Sample, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < 4 {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		healthy, _ := strconv.ParseBool(rec[2])
		rtt, _ := strconv.ParseFloat(rec[3], 64)
		items = append(items, Sample{
			Timestamp: ts,
			PeerID:    rec[1],
			Healthy:   healthy,
			RTTMs:     rtt,
		})
	}

	return items, nil
}

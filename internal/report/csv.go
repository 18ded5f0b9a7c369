// Package report writes check-mode classification results.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/lox/tidestarget/internal/models"
)

const FileName = "PassFailCut.csv"

var header = []string{"ZTFName", "PassCut", "TriggerDate"}

// PassCut renders a result the way downstream spreadsheets expect it.
func PassCut(r models.ClassificationResult) string {
	switch {
	case r.Outcome == models.OutcomeNoData:
		return "No Data"
	case r.Passed:
		return "True"
	default:
		return "False"
	}
}

// TriggerDate formats the trigger epoch, NoTrigger included, as a plain number.
func TriggerDate(r models.ClassificationResult) string {
	return strconv.FormatFloat(r.TriggerJD, 'f', -1, 64)
}

func Write(w io.Writer, results []models.ClassificationResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range results {
		if err := cw.Write([]string{r.ObjectID, PassCut(r), TriggerDate(r)}); err != nil {
			return fmt.Errorf("write %s: %w", r.ObjectID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes results to PassFailCut.csv in dir and returns its path.
func WriteFile(dir string, results []models.ClassificationResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := Write(f, results); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

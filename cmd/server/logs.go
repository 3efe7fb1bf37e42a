package main

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"stream-supervisor/internal/process"

	"github.com/goccy/go-json"
)

// logTailBytes is how much of the end of the log file is scanned for lines.
const logTailBytes = 256 << 10

// serviceLogs serves GET /logs?lines=N with the last lines of the service
// log file as {"logs": [...]}.
func serviceLogs(path string, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lines := 100
		if v := r.URL.Query().Get("lines"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeLogsJSON(w, http.StatusBadRequest, map[string]string{
					"error": "validation_error", "field": "lines", "detail": "must be a non-negative integer",
				})
				return
			}
			lines = n
		}
		if path == "" {
			writeLogsJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "detail": "LOG_FILE is not configured"})
			return
		}

		tail, err := readTail(path, logTailBytes)
		if err != nil {
			log.Error("read service log", slog.String("path", path), slog.Any("error", err))
			writeLogsJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
			return
		}
		logs := process.LastLines(tail, lines)
		if logs == nil {
			logs = []string{}
		}
		writeLogsJSON(w, http.StatusOK, map[string]any{"logs": logs})
	}
}

// readTail returns at most limit bytes from the end of the file at path.
// A missing file reads as empty.
func readTail(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if off := info.Size() - limit; off > 0 {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return "", err
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeLogsJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

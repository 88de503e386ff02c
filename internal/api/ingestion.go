package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/peterbutler/sagrada/internal/ingest"
)

// handleIngest accepts readings pushed over HTTP:
// - application/json: either a single object or an array of objects
// - text/plain or application/x-ndjson: newline-delimited JSON
// Payloads use the same wire form as the bus, so a sensor can post the exact
// message it would otherwise publish.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			s.log.Error("error closing request body", "err", err)
		}
	}(r.Body)

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	added := 0
	var errs []string

	push := func(payload []byte) {
		reading, err := ingest.DecodeReading(payload)
		if err != nil {
			errs = append(errs, err.Error())
			return
		}
		s.hub.Submit(reading)
		added++
	}

	trimmed := bytes.TrimSpace(raw)
	switch {
	case strings.Contains(ct, "application/json") && len(trimmed) > 0 && trimmed[0] == '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON array")
			return
		}
		for _, el := range elems {
			push(el)
		}
	case strings.Contains(ct, "application/json"):
		if len(trimmed) == 0 || trimmed[0] != '{' {
			s.writeError(w, http.StatusBadRequest, "unexpected JSON start")
			return
		}
		push(trimmed)
	default:
		// NDJSON fallback
		sc := bufio.NewScanner(bytes.NewReader(trimmed))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			push([]byte(line))
		}
		if err := sc.Err(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	status := http.StatusOK
	if added == 0 {
		status = http.StatusBadRequest
	}
	resp := map[string]any{
		"ingested": added,
	}
	if len(errs) > 0 {
		resp["errors"] = errs
	}
	s.writeJSON(w, status, resp)
}

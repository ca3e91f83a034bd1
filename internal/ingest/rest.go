package ingest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// RESTHandler accepts frames over HTTP: a JSON object, a JSON array of
// objects, or newline separated text.
type RESTHandler struct {
	dispatch *Dispatcher
}

func NewRESTHandler(d *Dispatcher) *RESTHandler {
	return &RESTHandler{dispatch: d}
}

func (h *RESTHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	peer := r.RemoteAddr
	accepted, failed := 0, 0
	if trim[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trim, &list); err != nil {
			http.Error(w, "invalid json array", http.StatusBadRequest)
			return
		}
		for _, raw := range list {
			a, f := h.dispatch.Ingest(r.Context(), nil, "rest", peer, string(compact(raw)))
			accepted += a
			failed += f
		}
	} else if trim[0] == '{' {
		accepted, failed = h.dispatch.Ingest(r.Context(), nil, "rest", peer, string(compact(trim)))
	} else {
		accepted, failed = h.dispatch.Ingest(r.Context(), nil, "rest", peer, string(trim))
	}

	w.Header().Set("Content-Type", "application/json")
	if accepted == 0 && failed > 0 {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	_ = json.NewEncoder(w).Encode(map[string]int{
		"accepted": accepted,
		"failed":   failed,
	})
}

// compact folds a JSON value onto one line so the line parser sees it whole.
func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

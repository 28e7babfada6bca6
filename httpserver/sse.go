package httpserver

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

var clearScreenSeq = []byte("\x1b[2J")

// handleStream streams one target's console as Server-Sent Events,
// base64-encoding each chunk since SOL output is arbitrary binary.
// Grounded on the teacher's server/sse.go catch-up-then-subscribe
// design; the log-file catch-up fallback is dropped since this module
// keeps no on-disk console log, only the in-memory screen buffer.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if s.manager.GetSession(name) == nil {
		http.Error(w, "target not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", name)
	flusher.Flush()

	if screenBuf := s.manager.GetScreenBuffer(name); len(screenBuf) > 0 {
		clearAndBuf := append([]byte("\x1b[2J\x1b[H"), screenBuf...)
		encoded := base64.StdEncoding.EncodeToString(clearAndBuf)
		fmt.Fprintf(w, "data: %s\n\n", encoded)
		flusher.Flush()
	}

	ch := s.manager.Subscribe(name)
	defer s.manager.Unsubscribe(name, ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			if containsRow1Cursor(data) {
				data = append(clearScreenSeq, data...)
			}
			encoded := base64.StdEncoding.EncodeToString(data)
			fmt.Fprintf(w, "data: %s\n\n", encoded)
			flusher.Flush()
		}
	}
}

// containsRow1Cursor detects BIOS screen redraws via cursor positioning
// to row 1 in the zero-padded form Intel PXE BIOS uses. Generic forms
// like \x1b[H or \x1b[1;1H are left alone since normal terminal
// applications use those without intending a full redraw.
func containsRow1Cursor(data []byte) bool {
	return bytes.Contains(data, []byte("\x1b[01;00H"))
}

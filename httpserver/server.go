// Package httpserver is the HTTP front end onto a console.Manager:
// target listing, status, SSE console streaming, on-demand SDR
// snapshots, and break injection. Grounded on the teacher's
// server/server.go, trimmed of the MAC-lookup/log-file surface that
// belonged to its discovery-and-log-rotation design.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"ipmisol/console"
)

type Server struct {
	log        logrus.FieldLogger
	port       int
	version    string
	manager    *console.Manager
	router     *mux.Router
	httpServer *http.Server
}

func New(port int, manager *console.Manager, version string, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		log:     log.WithField("component", "httpserver"),
		port:    port,
		version: version,
		manager: manager,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/version", s.handleVersion).Methods("GET")
	api.HandleFunc("/targets", s.handleListTargets).Methods("GET")
	api.HandleFunc("/targets/{name}/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/targets/{name}/stream", s.handleStream).Methods("GET")
	api.HandleFunc("/targets/{name}/input", s.handleInput).Methods("POST")
	api.HandleFunc("/targets/{name}/break", s.handleBreak).Methods("POST")
	api.HandleFunc("/targets/{name}/sensors", s.handleSensors).Methods("GET")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": s.version})
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.GetSessions()
	out := make([]map[string]interface{}, 0, len(sessions))
	for name, sess := range sessions {
		out = append(out, map[string]interface{}{
			"name":          name,
			"address":       sess.Address,
			"connected":     sess.Connected,
			"last_error":    sess.LastError,
			"last_activity": sess.LastActivity,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	sess := s.manager.GetSession(name)
	if sess == nil {
		http.Error(w, "target not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{
		"name":          sess.Name,
		"address":       sess.Address,
		"connected":     sess.Connected,
		"last_error":    sess.LastError,
		"last_activity": sess.LastActivity,
	})
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var body struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if err := s.manager.SendCommand(name, []byte(body.Data)); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBreak(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.manager.SendBreak(name); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	reader, err := s.manager.SensorReader(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if _, err := reader.GetDeviceID(); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	records, err := reader.GetAllRecords()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	type sensorOut struct {
		RecordID     uint16  `json:"record_id"`
		SensorNumber uint8   `json:"sensor_number"`
		SensorType   uint8   `json:"sensor_type"`
		IDString     string  `json:"id_string"`
		Value        float64 `json:"value,omitempty"`
	}
	out := make([]sensorOut, 0, len(records))
	for _, rec := range records {
		if rec.Full == nil {
			continue
		}
		out = append(out, sensorOut{
			RecordID:     rec.Header.RecordID,
			SensorNumber: rec.Full.SensorNumber,
			SensorType:   rec.Full.SensorType,
			IDString:     rec.Full.IDString,
		})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func loggingMiddleware(log logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Infof("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) Run(ctx context.Context) error {
	s.router.Use(loggingMiddleware(s.log))
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("context done, shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Infof("starting HTTP server on port %d", s.port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		s.log.Info("HTTP server closed cleanly")
		return nil
	}
	return err
}

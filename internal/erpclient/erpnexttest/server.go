// Package erpnexttest runs an in-process stand-in for the Frappe REST API
// used by end-to-end tests and the load tool.
package erpnexttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
)

// Counts of calls per endpoint family.
type Counters struct {
	Documents   atomic.Int64
	QueryReport atomic.Int64
	ReportView  atomic.Int64
}

type Options struct {
	// UnsupportedReports answer the query report endpoint with 404, which
	// sends the executor to its fallback.
	UnsupportedReports []string
	// RequiredToken, when set, is checked against the Authorization header.
	RequiredToken string
}

type Server struct {
	*httptest.Server
	Calls Counters

	options     Options
	unsupported map[string]struct{}
	sequence    atomic.Int64

	mu   sync.Mutex
	docs map[string]map[string]any
}

func NewServer(options Options) *Server {
	s := &Server{
		options:     options,
		unsupported: make(map[string]struct{}, len(options.UnsupportedReports)),
		docs:        make(map[string]map[string]any),
	}
	for _, name := range options.UnsupportedReports {
		s.unsupported[name] = struct{}{}
	}

	router := chi.NewRouter()
	router.Use(s.authenticate)
	router.Post("/api/resource/{doctype}", s.createDocument)
	router.Get("/api/resource/{doctype}", s.listDocuments)
	router.Get("/api/resource/{doctype}/{name}", s.getDocument)
	router.Put("/api/resource/{doctype}/{name}", s.updateDocument)
	router.Post("/api/method/frappe.desk.query_report.run", s.queryReport)
	router.Post("/api/method/frappe.desk.reportview.get_data", s.reportView)
	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeFrappeError(w, http.StatusNotFound, "DoesNotExistError", "Not found")
	})

	s.Server = httptest.NewServer(router)
	return s
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.options.RequiredToken != "" && r.Header.Get("Authorization") != "token "+s.options.RequiredToken {
			writeFrappeError(w, http.StatusUnauthorized, "AuthenticationError", "Invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	s.Calls.Documents.Add(1)
	doctype := chi.URLParam(r, "doctype")

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFrappeError(w, http.StatusBadRequest, "ValidationError", "Invalid JSON")
		return
	}
	name := fmt.Sprintf("%s-%04d", prefix(doctype), s.sequence.Add(1))
	body["name"] = name
	body["docstatus"] = 0

	s.mu.Lock()
	s.docs[doctype+"/"+name] = body
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"data": body})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	s.Calls.Documents.Add(1)
	doc, ok := s.document(chi.URLParam(r, "doctype"), chi.URLParam(r, "name"))
	if !ok {
		writeFrappeError(w, http.StatusNotFound, "DoesNotExistError", chi.URLParam(r, "doctype")+" "+chi.URLParam(r, "name")+" not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": doc})
}

func (s *Server) updateDocument(w http.ResponseWriter, r *http.Request) {
	s.Calls.Documents.Add(1)
	doctype, name := chi.URLParam(r, "doctype"), chi.URLParam(r, "name")

	var changes map[string]any
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeFrappeError(w, http.StatusBadRequest, "ValidationError", "Invalid JSON")
		return
	}

	s.mu.Lock()
	doc, ok := s.docs[doctype+"/"+name]
	if ok {
		for key, value := range changes {
			doc[key] = value
		}
	}
	s.mu.Unlock()
	if !ok {
		writeFrappeError(w, http.StatusNotFound, "DoesNotExistError", doctype+" "+name+" not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": doc})
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	s.Calls.Documents.Add(1)
	doctype := chi.URLParam(r, "doctype")

	s.mu.Lock()
	rows := make([]map[string]any, 0)
	for key, doc := range s.docs {
		if strings.HasPrefix(key, doctype+"/") {
			rows = append(rows, map[string]any{"name": doc["name"]})
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

func (s *Server) queryReport(w http.ResponseWriter, r *http.Request) {
	s.Calls.QueryReport.Add(1)
	var body struct {
		ReportName string `json:"report_name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if _, unsupported := s.unsupported[body.ReportName]; unsupported {
		writeFrappeError(w, http.StatusNotFound, "DoesNotExistError", "Report "+body.ReportName+" not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": map[string]any{
		"columns": []any{
			map[string]any{"label": "Account", "fieldname": "account"},
			map[string]any{"label": "Total", "fieldname": "total"},
		},
		"result": []any{
			[]any{"Assets", 1500.0},
			[]any{"Liabilities", 400.0},
		},
	}})
}

func (s *Server) reportView(w http.ResponseWriter, _ *http.Request) {
	s.Calls.ReportView.Add(1)
	writeJSON(w, http.StatusOK, map[string]any{"message": map[string]any{
		"keys": []string{"account", "credit", "debit", "posting_date"},
		"values": [][]any{
			{"Cash", 0.0, 250.0, "2025-01-05"},
			{"Sales", 250.0, 0.0, "2025-01-05"},
		},
	}})
}

func (s *Server) document(doctype, name string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[doctype+"/"+name]
	if !ok {
		return nil, false
	}
	copied := make(map[string]any, len(doc))
	for key, value := range doc {
		copied[key] = value
	}
	return copied, true
}

func prefix(doctype string) string {
	upper := strings.ToUpper(strings.ReplaceAll(doctype, " ", ""))
	if len(upper) > 4 {
		upper = upper[:4]
	}
	return upper
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// writeFrappeError answers the way Frappe does, with the user message
// JSON-encoded twice inside _server_messages.
func writeFrappeError(w http.ResponseWriter, status int, excType, message string) {
	inner, _ := json.Marshal(map[string]any{"message": message})
	outer, _ := json.Marshal([]string{string(inner)})
	writeJSON(w, status, map[string]any{
		"exc_type":         excType,
		"exc":              "Traceback (most recent call last): ...",
		"_server_messages": string(outer),
	})
}

package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// FakeBackend is an httptest server speaking the scoring backend REST API from memory.
type FakeBackend struct {
	*httptest.Server

	mu        sync.Mutex
	students  map[string]map[string]any
	responses map[string][]map[string]any
	requests  []string

	// NotFoundAsMessage answers unknown students with 200 and a "Student not found" body.
	NotFoundAsMessage bool
}

// NewFakeBackend starts a FakeBackend. Callers Close it.
func NewFakeBackend() *FakeBackend {
	f := &FakeBackend{
		students:  make(map[string]map[string]any),
		responses: make(map[string][]map[string]any),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /students/{id}", f.getStudent)
	mux.HandleFunc("POST /students", f.createStudent)
	mux.HandleFunc("PATCH /students", f.patchStudent)
	mux.HandleFunc("GET /responses/{id}", f.getResponses)
	mux.HandleFunc("PATCH /responses/{id}/{qid}", f.patchResponse)
	f.Server = httptest.NewServer(f.logRequests(mux))
	return f
}

func (f *FakeBackend) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// PutStudent stores a student document keyed by its wha_id.
func (f *FakeBackend) PutStudent(doc map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := doc["wha_id"].(string)
	f.students[id] = doc
}

// Student returns the stored student document.
func (f *FakeBackend) Student(id string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.students[id]
	return doc, ok
}

// AddResponse appends a questionnaire document for the student.
func (f *FakeBackend) AddResponse(id string, doc map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[id] = append(f.responses[id], doc)
}

// Response returns the questionnaire document with the given id.
func (f *FakeBackend) Response(id, qid string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range f.responses[id] {
		if doc["questionnaire_id"] == qid {
			return doc, true
		}
	}
	return nil, false
}

// Requests returns "METHOD path" for every request served.
func (f *FakeBackend) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (f *FakeBackend) getStudent(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	doc, ok := f.students[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		if f.NotFoundAsMessage {
			writeJSON(w, http.StatusOK, map[string]string{"message": "Student not found"})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return nil, false
	}
	return doc, true
}

func (f *FakeBackend) createStudent(w http.ResponseWriter, r *http.Request) {
	doc, ok := decodeBody(w, r)
	if !ok {
		return
	}
	f.PutStudent(doc)
	writeJSON(w, http.StatusOK, doc)
}

func (f *FakeBackend) patchStudent(w http.ResponseWriter, r *http.Request) {
	doc, ok := decodeBody(w, r)
	if !ok {
		return
	}
	id, _ := doc["wha_id"].(string)
	if _, exists := f.Student(id); !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Student not found"})
		return
	}
	f.PutStudent(doc)
	writeJSON(w, http.StatusOK, doc)
}

func (f *FakeBackend) getResponses(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	docs := append([]map[string]any(nil), f.responses[r.PathValue("id")]...)
	f.mu.Unlock()
	if len(docs) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"responses": docs})
}

func (f *FakeBackend) patchResponse(w http.ResponseWriter, r *http.Request) {
	updates, ok := decodeBody(w, r)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range f.responses[r.PathValue("id")] {
		if doc["questionnaire_id"] != r.PathValue("qid") {
			continue
		}
		answers, _ := doc["answer"].(map[string]any)
		if answers == nil {
			answers = make(map[string]any)
			doc["answer"] = answers
		}
		for k, v := range updates {
			answers[k] = v
		}
		writeJSON(w, http.StatusOK, doc)
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Response not found"})
}

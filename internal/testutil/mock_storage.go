// Package testutil provides fake metadata and object-storage servers for tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// TokenPath is the metadata path serving the default service account token.
const TokenPath = "/computeMetadata/v1/instance/service-accounts/default/token"

// MockResponse defines the behavior for a mock object.
type MockResponse struct {
	StatusCode int
	Body       []byte
	Delay      time.Duration
}

// MockStorage is a configurable object-storage server for testing.
// Unknown paths answer 404.
type MockStorage struct {
	server    *httptest.Server
	mu        sync.Mutex
	responses map[string]MockResponse

	// RequiredToken, when set, makes every request without
	// "Authorization: Bearer <RequiredToken>" answer 401.
	RequiredToken string

	requestCount int
	pathCounts   map[string]int
	tokens       map[string]int
	inFlight     int
	maxInFlight  int
}

// NewMockStorage creates a new mock object-storage server.
func NewMockStorage() *MockStorage {
	mock := &MockStorage{
		responses:  make(map[string]MockResponse),
		pathCounts: make(map[string]int),
		tokens:     make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

func (m *MockStorage) serve(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")

	m.mu.Lock()
	m.requestCount++
	m.pathCounts[r.URL.Path]++
	m.tokens[token]++
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	resp, exists := m.responses[r.URL.Path]
	required := m.RequiredToken
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}

	if required != "" && auth != "Bearer "+required {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

// URL returns the mock server URL.
func (m *MockStorage) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockStorage) Close() {
	m.server.Close()
}

// SetResponse configures the response for a path.
func (m *MockStorage) SetResponse(path string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[path] = resp
}

// SetObject serves an object of size bytes at path with status 200.
func (m *MockStorage) SetObject(path string, size int) {
	m.SetResponse(path, MockResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(strings.Repeat("x", size)),
	})
}

// Reset clears all tracking counters.
func (m *MockStorage) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.maxInFlight = 0
	m.pathCounts = make(map[string]int)
	m.tokens = make(map[string]int)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockStorage) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// PathCount returns the number of requests made for path.
func (m *MockStorage) PathCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pathCounts[path]
}

// TokenCount returns the number of requests that carried token.
func (m *MockStorage) TokenCount(token string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[token]
}

// MaxInFlight returns the highest number of concurrently served requests.
func (m *MockStorage) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// MockMetadata is a fake metadata server issuing access tokens.
type MockMetadata struct {
	server *httptest.Server
	mu     sync.Mutex

	tokens       []string
	next         int
	statusCode   int
	body         string
	requestCount int
}

// NewMockMetadata creates a metadata server handing out tokens in order,
// repeating the last one when exhausted.
func NewMockMetadata(tokens ...string) *MockMetadata {
	if len(tokens) == 0 {
		tokens = []string{"test-token"}
	}
	mock := &MockMetadata{
		tokens:     tokens,
		statusCode: http.StatusOK,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

func (m *MockMetadata) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount++

	if r.URL.Path != TokenPath {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if r.Header.Get("Metadata-Flavor") != "Google" {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("missing Metadata-Flavor header"))
		return
	}

	if m.statusCode != http.StatusOK {
		w.WriteHeader(m.statusCode)
		w.Write([]byte(m.body))
		return
	}

	token := m.tokens[m.next]
	if m.next < len(m.tokens)-1 {
		m.next++
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token": token,
		"expires_in":   3599,
		"token_type":   "Bearer",
	})
}

// URL returns the mock server URL.
func (m *MockMetadata) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockMetadata) Close() {
	m.server.Close()
}

// SetFailure makes every token request answer status with body.
func (m *MockMetadata) SetFailure(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCode = status
	m.body = body
}

// GetRequestCount returns the number of token requests served.
func (m *MockMetadata) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

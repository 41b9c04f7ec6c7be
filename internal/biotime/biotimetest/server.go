// Package biotimetest provides an in-process BioTime portal for tests.
package biotimetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/harrylevesque/biotimesync/internal/biotime"
	"github.com/harrylevesque/biotimesync/internal/models"
)

const defaultPageSize = 10

// Server is a fake portal. Zero-value fields are safe; use New.
type Server struct {
	*httptest.Server

	Username string
	Password string

	mu           sync.Mutex
	terminals    []biotime.Terminal
	transactions []biotime.Transaction
	valid        map[string]bool
	issued       int
	fail         int
	failCode     int
	failAliases  map[string]int
	requests     map[string]int
	lastQueries  []map[string]string
	tokenTTL     time.Duration
}

// New starts a fake portal accepting the given credentials.
func New(username, password string) *Server {
	s := &Server{
		Username:    username,
		Password:    password,
		valid:       map[string]bool{},
		requests:    map[string]int{},
		failAliases: map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/jwt-api-token-auth/", s.handleToken)
	mux.HandleFunc("/iclock/api/terminals/", s.handleTerminals)
	mux.HandleFunc("/iclock/api/transactions/", s.handleTransactions)
	s.Server = httptest.NewServer(mux)
	return s
}

// AddTerminals registers terminals returned by the terminals endpoint.
func (s *Server) AddTerminals(ts ...biotime.Terminal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals = append(s.terminals, ts...)
}

// SetTerminals replaces the terminals returned by the terminals endpoint.
func (s *Server) SetTerminals(ts ...biotime.Terminal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals = ts
}

// AddTransactions registers transactions. IDs are assigned when zero.
func (s *Server) AddTransactions(txs ...biotime.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		if tx.ID == 0 {
			tx.ID = int64(len(s.transactions) + 1)
		}
		s.transactions = append(s.transactions, tx)
	}
	sort.Slice(s.transactions, func(i, j int) bool { return s.transactions[i].ID < s.transactions[j].ID })
}

// RevokeTokens makes every issued token return 401.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = map[string]bool{}
}

// SetTokenTTL makes issued tokens carry an exp claim.
func (s *Server) SetTokenTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenTTL = ttl
}

// FailNext makes the next n data requests return code.
func (s *Server) FailNext(n, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = n
	s.failCode = code
}

// FailAlias makes every transactions query for terminal alias return code.
func (s *Server) FailAlias(alias string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAliases[alias] = code
}

// IssuedTokens returns how many tokens were handed out.
func (s *Server) IssuedTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued
}

// Requests returns how many requests hit path.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// TransactionQueries returns the query parameters of every transactions call.
func (s *Server) TransactionQueries() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string(nil), s.lastQueries...)
}

// Punch builds a transaction.
func Punch(empCode, alias string, at time.Time, in bool) biotime.Transaction {
	state := "Check Out"
	if in {
		state = biotime.PunchCheckIn
	}
	return biotime.Transaction{
		EmpCode:           biotime.Code(empCode),
		FirstName:         "First" + empCode,
		LastName:          "Last" + empCode,
		Department:        "Operations",
		Position:          "Staff",
		PunchTime:         at.Format(models.TimeLayout),
		PunchStateDisplay: state,
		TerminalSN:        "SN-" + alias,
		TerminalAlias:     alias,
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	if creds.Username != s.Username || creds.Password != s.Password {
		http.Error(w, `{"non_field_errors":["Unable to log in with provided credentials."]}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.issued++
	claims := jwt.MapClaims{"username": creds.Username, "n": s.issued}
	if s.tokenTTL != 0 {
		claims["exp"] = time.Now().Add(s.tokenTTL).Unix()
	}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("fake-portal"))
	s.valid[tok] = true
	s.mu.Unlock()
	writeJSON(w, map[string]string{"token": tok})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "JWT ")
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid[tok] {
		http.Error(w, `{"detail":"Signature has expired."}`, http.StatusUnauthorized)
		return false
	}
	if s.fail > 0 {
		s.fail--
		http.Error(w, "injected failure", s.failCode)
		return false
	}
	return true
}

func (s *Server) handleTerminals(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	if !s.authorize(w, r) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/iclock/api/terminals/"), "/")
	if rest != "" {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		for _, t := range s.terminals {
			if t.ID == id {
				writeJSON(w, t)
				return
			}
		}
		http.NotFound(w, r)
		return
	}
	writePage(w, r, s.terminals)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	if !s.authorize(w, r) {
		return
	}
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	if code, ok := s.failAliases[q.Get("terminal_alias")]; ok {
		http.Error(w, "terminal unavailable", code)
		return
	}
	rec := map[string]string{}
	for k := range q {
		rec[k] = q.Get(k)
	}
	s.lastQueries = append(s.lastQueries, rec)

	var start, end time.Time
	if v := q.Get("start_time"); v != "" {
		start, _ = time.ParseInLocation(models.TimeLayout, v, time.Local)
	}
	if v := q.Get("end_time"); v != "" {
		end, _ = time.ParseInLocation(models.TimeLayout, v, time.Local)
	}
	var out []biotime.Transaction
	for _, tx := range s.transactions {
		at, _ := time.ParseInLocation(models.TimeLayout, tx.PunchTime, time.Local)
		if !start.IsZero() && at.Before(start) {
			continue
		}
		if !end.IsZero() && at.After(end) {
			continue
		}
		if v := q.Get("terminal_alias"); v != "" && tx.TerminalAlias != v {
			continue
		}
		if v := q.Get("terminal_sn"); v != "" && tx.TerminalSN != v {
			continue
		}
		if v := q.Get("emp_code"); v != "" && string(tx.EmpCode) != v {
			continue
		}
		out = append(out, tx)
	}
	writePage(w, r, out)
}

func (s *Server) count(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.URL.Path]++
}

func writePage[T any](w http.ResponseWriter, r *http.Request, all []T) {
	q := r.URL.Query()
	size := defaultPageSize
	if v, err := strconv.Atoi(q.Get("page_size")); err == nil && v > 0 {
		size = v
	}
	pg := 1
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		pg = v
	}
	lo := (pg - 1) * size
	if lo > len(all) {
		lo = len(all)
	}
	hi := lo + size
	if hi > len(all) {
		hi = len(all)
	}
	var next *string
	if hi < len(all) {
		n := fmt.Sprintf("%s?page=%d", r.URL.Path, pg+1)
		next = &n
	}
	data := all[lo:hi]
	if data == nil {
		data = []T{}
	}
	writeJSON(w, map[string]interface{}{
		"count":    len(all),
		"next":     next,
		"previous": nil,
		"data":     data,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

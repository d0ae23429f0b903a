// v0
// internal/remote/client_test.go
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hzj1203/BYD/internal/models"
)

type countingObs struct {
	mu           sync.Mutex
	hits, misses int
}

func (o *countingObs) CacheHit()  { o.mu.Lock(); o.hits++; o.mu.Unlock() }
func (o *countingObs) CacheMiss() { o.mu.Lock(); o.misses++; o.mu.Unlock() }

func TestExecuteSendsControlRequest(t *testing.T) {
	var got controlRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/car/control" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("authorization header %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("User-Agent") != "BYD-AutoLock/1.0" {
			t.Errorf("user agent %q", r.Header.Get("User-Agent"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(controlResponse{Success: true, Message: "ok", CommandID: "cmd-9"})
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL + "/api", UserAgent: "BYD-AutoLock/1.0", Source: "autolock_service"}, srv.Client(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Execute(context.Background(), models.KindUnlock, "VIN1", "tok-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.CommandID != "cmd-9" {
		t.Fatalf("result %+v", res)
	}
	if got.VIN != "VIN1" || got.Command != "unlock" || got.Source != "autolock_service" || got.RequestID == "" || got.Timestamp == 0 {
		t.Fatalf("request body %+v", got)
	}
}

func TestExecuteRejectedIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"door open"}`))
	}))
	defer srv.Close()
	c, _ := New(Options{BaseURL: srv.URL}, srv.Client(), nil)
	res, err := c.Execute(context.Background(), models.KindLock, "VIN1", "tok")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.Message != "door open" {
		t.Fatalf("result %+v", res)
	}
}

func TestExecuteStatusErrors(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusInternalServerError, ErrHTTPStatus},
		{http.StatusNotFound, ErrHTTPStatus},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.code)
		}))
		c, _ := New(Options{BaseURL: srv.URL}, srv.Client(), nil)
		if _, err := c.Execute(context.Background(), models.KindLock, "VIN1", "tok"); !errors.Is(err, tc.want) {
			t.Fatalf("status %d: got %v want %v", tc.code, err, tc.want)
		}
		srv.Close()
	}
}

func TestExecuteRejectsUnknownKind(t *testing.T) {
	c, _ := New(Options{BaseURL: "https://api.example.com/"}, nil, nil)
	if _, err := c.Execute(context.Background(), models.Kind("honk"), "VIN1", "tok"); err == nil {
		t.Fatal("expected error")
	}
}

func TestStatusIsCached(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/v1/car/VIN1/status" {
			t.Errorf("path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"vin":"VIN1","locked":true,"engineOn":false,"lastUpdate":1714550400000}`))
	}))
	defer srv.Close()
	obs := &countingObs{}
	c, _ := New(Options{BaseURL: srv.URL, StatusTTL: time.Minute, CacheObs: obs}, srv.Client(), nil)

	for i := 0; i < 3; i++ {
		st, err := c.Status(context.Background(), "VIN1", "tok")
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if !st.Locked || st.LastUpdate.UnixMilli() != 1714550400000 {
			t.Fatalf("status %+v", st)
		}
	}
	if calls != 1 || obs.hits != 2 || obs.misses != 1 {
		t.Fatalf("calls=%d hits=%d misses=%d", calls, obs.hits, obs.misses)
	}
}

func TestStatusCacheExpiry(t *testing.T) {
	c := newStatusCache(time.Second, nil)
	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }
	_, epoch, _ := c.lookup("vin1")
	c.store(" vin1 ", epoch, models.VehicleStatus{VIN: "VIN1", Locked: true})
	if st, _, ok := c.lookup("VIN1"); !ok || !st.Locked {
		t.Fatalf("fresh lookup: %+v %v", st, ok)
	}
	now = now.Add(2 * time.Second)
	if _, _, ok := c.lookup("VIN1"); ok {
		t.Fatal("expired entry returned")
	}
}

func TestStatusFetchOlderThanCommandIsDropped(t *testing.T) {
	c := newStatusCache(time.Minute, nil)
	_, epoch, _ := c.lookup("VIN1")
	c.invalidate("VIN1")
	if c.store("VIN1", epoch, models.VehicleStatus{Locked: true}) {
		t.Fatal("status fetched before a command was stored")
	}
	if _, _, ok := c.lookup("VIN1"); ok {
		t.Fatal("stale status served")
	}
}

// statusServer answers status reads with the current lock state and flips
// it on every control command, failing the command when fail is set.
type statusServer struct {
	mu      sync.Mutex
	locked  bool
	fail    bool
	reads   int
	reqIDs  []string
	escaped []string
}

func (s *statusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Method == http.MethodPost {
		var req controlRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.reqIDs = append(s.reqIDs, req.RequestID)
		s.locked = req.Command == "lock"
		if s.fail {
			http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
			return
		}
		_ = json.NewEncoder(w).Encode(controlResponse{Success: true})
		return
	}
	s.reads++
	s.escaped = append(s.escaped, r.URL.EscapedPath()+"?"+r.URL.RawQuery)
	_ = json.NewEncoder(w).Encode(statusResponse{VIN: "VIN1", Locked: s.locked})
}

func TestCommandInvalidatesCachedStatus(t *testing.T) {
	for _, fail := range []bool{false, true} {
		ss := &statusServer{fail: fail}
		srv := httptest.NewServer(ss)
		c, _ := New(Options{BaseURL: srv.URL, StatusTTL: time.Hour}, srv.Client(), nil)
		ctx := context.Background()

		if st, err := c.Status(ctx, "VIN1", "tok"); err != nil || st.Locked {
			t.Fatalf("fail=%v first status %+v %v", fail, st, err)
		}
		_, err := c.Execute(ctx, models.KindLock, "vin1", "tok")
		if fail != (err != nil) {
			t.Fatalf("fail=%v execute err %v", fail, err)
		}
		st, err := c.Status(ctx, "VIN1", "tok")
		if err != nil || !st.Locked {
			t.Fatalf("fail=%v status after command %+v %v", fail, st, err)
		}
		if ss.reads != 2 {
			t.Fatalf("fail=%v reads %d", fail, ss.reads)
		}
		srv.Close()
	}
}

func TestRequestIDFollowsIntent(t *testing.T) {
	ss := &statusServer{}
	srv := httptest.NewServer(ss)
	defer srv.Close()
	c, _ := New(Options{BaseURL: srv.URL}, srv.Client(), nil)

	ctx := models.WithIntentID(context.Background(), "intent-7")
	for i := 0; i < 2; i++ {
		if _, err := c.Execute(ctx, models.KindUnlock, "VIN1", "tok"); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if _, err := c.Execute(context.Background(), models.KindUnlock, "VIN1", "tok"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ss.reqIDs[0] != "intent-7" || ss.reqIDs[1] != "intent-7" {
		t.Fatalf("request ids %v", ss.reqIDs)
	}
	if ss.reqIDs[2] == "" || ss.reqIDs[2] == "intent-7" {
		t.Fatalf("untagged command got %q", ss.reqIDs[2])
	}
}

func TestStatusEscapesVIN(t *testing.T) {
	ss := &statusServer{}
	srv := httptest.NewServer(ss)
	defer srv.Close()
	c, _ := New(Options{BaseURL: srv.URL + "/api"}, srv.Client(), nil)

	if _, err := c.Status(context.Background(), "A/B?x", "tok"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if want := "/api/v1/car/A%2FB%3Fx/status?"; ss.escaped[0] != want {
		t.Fatalf("path %q want %q", ss.escaped[0], want)
	}
	if _, err := c.Status(context.Background(), "  ", "tok"); !errors.Is(err, ErrInvalidVIN) {
		t.Fatalf("blank vin: %v", err)
	}
	if _, err := c.Execute(context.Background(), models.KindLock, "", "tok"); !errors.Is(err, ErrInvalidVIN) {
		t.Fatalf("empty vin: %v", err)
	}
}

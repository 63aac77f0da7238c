package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/klingon-htlcd/internal/driver"
	"github.com/klingon-exchange/klingon-htlcd/internal/ledger/memory"
	"github.com/klingon-exchange/klingon-htlcd/internal/storage"
	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
	"github.com/klingon-exchange/klingon-htlcd/pkg/helpers"
)

var testPair = swap.ResourcePair{
	Name:         "eth-bsc",
	Self:         swap.Resource{Path: "a.chain.htlc", Chain: "eth", Contract: "0x01"},
	Counterparty: swap.Resource{Path: "b.chain.htlc", Chain: "bsc", Contract: "0x02"},
}

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	store  *storage.Storage
	ledger *memory.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

func newTestEnvWith(t *testing.T, added TaskAddedFunc) *testEnv {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "htlcd-rpc-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ledger := memory.NewLedger()
	sched := swap.NewScheduler(&swap.SchedulerConfig{
		Ledger:             ledger,
		Registry:           store,
		SecretTimeout:      50 * time.Millisecond,
		SecretPollInterval: 5 * time.Millisecond,
	})
	drv := driver.New(sched, &driver.Config{Pairs: []swap.ResourcePair{testPair}})

	srv := NewServer(&Config{
		Storage:     store,
		Driver:      drv,
		Breakers:    func() map[string]string { return map[string]string{"eth": "closed"} },
		OnTaskAdded: added,
	})
	sched.OnEvent(srv.OnTickEvent)

	go srv.WSHub().Run()
	t.Cleanup(srv.WSHub().Stop)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, http: ts, store: store, ledger: ledger}
}

type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
	ID      interface{}     `json:"id"`
}

func (e *testEnv) post(t *testing.T, body string) *rawResponse {
	t.Helper()
	resp, err := http.Post(e.http.URL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()

	var out rawResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &out
}

func (e *testEnv) call(t *testing.T, method string, params interface{}, result interface{}) *Error {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp := e.post(t, string(data))
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			t.Fatalf("decode %s result: %v", method, err)
		}
	}
	return nil
}

func testTask(seed byte) (swap.Secret, swap.TaskID) {
	var s swap.Secret
	for i := range s {
		s[i] = seed + byte(i)
	}
	hash := s.Hash()
	h, _ := swap.ParseTaskID(helpers.BytesToHex(hash[:]))
	return s, h
}

var zeroHex = "0x" + strings.Repeat("00", 32)

func TestProtocolErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{not json`, ParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"pairs_list","id":1}`, InvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"peers_list","id":1}`, MethodNotFound},
		{"missing params", `{"jsonrpc":"2.0","method":"tasks_get","id":1}`, InvalidParams},
		{"bad task id", `{"jsonrpc":"2.0","method":"tasks_get","params":{"pair":"eth-bsc","task_id":"0x12"},"id":1}`, InvalidParams},
		{"unknown pair", `{"jsonrpc":"2.0","method":"tasks_list","params":{"pair":"nope"},"id":1}`, InvalidParams},
		{"zero secret", `{"jsonrpc":"2.0","method":"tasks_add","params":{"pair":"eth-bsc","task_id":"` + zeroHex + `","secret":"` + zeroHex + `"},"id":1}`, InvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.post(t, tt.body)
			if resp.Error == nil {
				t.Fatalf("expected error, got result %s", resp.Result)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("Error.Code = %d, want %d (%s)", resp.Error.Code, tt.code, resp.Error.Message)
			}
		})
	}
}

func TestSchedulerStatus(t *testing.T) {
	env := newTestEnv(t)

	var status SchedulerStatusResult
	if rpcErr := env.call(t, "scheduler_status", nil, &status); rpcErr != nil {
		t.Fatalf("scheduler_status error = %s", rpcErr.Message)
	}
	if status.Version != Version {
		t.Errorf("Version = %s, want %s", status.Version, Version)
	}
	if status.Driver.Running {
		t.Error("Driver.Running = true, driver was never started")
	}
	if status.Driver.Concurrency != driver.DefaultConcurrency {
		t.Errorf("Driver.Concurrency = %d, want %d", status.Driver.Concurrency, driver.DefaultConcurrency)
	}
	if status.Breakers["eth"] != "closed" {
		t.Errorf("Breakers = %v", status.Breakers)
	}
}

func TestTasksAddGetList(t *testing.T) {
	env := newTestEnv(t)
	secret, h := testTask(1)
	_, other := testTask(2)

	var added TaskInfo
	rpcErr := env.call(t, "tasks_add", TasksAddParams{Pair: testPair.Name, TaskID: h.String(), Secret: secret.String()}, &added)
	if rpcErr != nil {
		t.Fatalf("tasks_add error = %s", rpcErr.Message)
	}
	if added.TaskID != h || added.Pair != testPair.Name || added.Path != testPair.Self.String() {
		t.Errorf("added = %+v", added)
	}
	if !added.SecretKnown {
		t.Error("SecretKnown = false after adding with secret")
	}

	stored, err := env.store.GetSecret(context.Background(), h)
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if stored.Source != storage.SecretSourceOperator {
		t.Errorf("Source = %s, want operator", stored.Source)
	}

	if rpcErr := env.call(t, "tasks_add", TasksAddParams{Pair: testPair.Name, TaskID: other.String()}, nil); rpcErr != nil {
		t.Fatalf("tasks_add error = %s", rpcErr.Message)
	}

	// Duplicate registration.
	rpcErr = env.call(t, "tasks_add", TasksAddParams{Pair: testPair.Name, TaskID: h.String()}, nil)
	if rpcErr == nil || rpcErr.Code != InvalidParams {
		t.Errorf("duplicate tasks_add error = %+v, want InvalidParams", rpcErr)
	}

	// A rejected duplicate does not store the secret it carried.
	otherSecret, _ := testTask(2)
	rpcErr = env.call(t, "tasks_add", TasksAddParams{Pair: testPair.Name, TaskID: other.String(), Secret: otherSecret.String()}, nil)
	if rpcErr == nil || rpcErr.Code != InvalidParams {
		t.Errorf("duplicate tasks_add with secret error = %+v, want InvalidParams", rpcErr)
	}
	if known, _ := env.store.HasSecret(context.Background(), other); known {
		t.Error("secret stored for a rejected duplicate")
	}

	// Preimage of another task.
	_, third := testTask(3)
	rpcErr = env.call(t, "tasks_add", TasksAddParams{Pair: testPair.Name, TaskID: third.String(), Secret: secret.String()}, nil)
	if rpcErr == nil || rpcErr.Code != InvalidParams {
		t.Errorf("mismatched secret error = %+v, want InvalidParams", rpcErr)
	}
	if _, err := env.store.GetTaskRecord(context.Background(), testPair.Self, third); err == nil {
		t.Error("task registered despite mismatched secret")
	}

	var got TaskInfo
	if rpcErr := env.call(t, "tasks_get", TaskParams{Pair: testPair.Name, TaskID: other.String()}, &got); rpcErr != nil {
		t.Fatalf("tasks_get error = %s", rpcErr.Message)
	}
	if got.SecretKnown {
		t.Error("SecretKnown = true for task added without secret")
	}
	if got.Flags == nil || got.Flags.CounterpartyLocked {
		t.Errorf("Flags = %+v, want all false", got.Flags)
	}

	var list TasksListResult
	if rpcErr := env.call(t, "tasks_list", TasksListParams{Pair: testPair.Name}, &list); rpcErr != nil {
		t.Fatalf("tasks_list error = %s", rpcErr.Message)
	}
	if list.Count != 2 {
		t.Errorf("tasks_list count = %d, want 2", list.Count)
	}

	var pairs PairsListResult
	if rpcErr := env.call(t, "pairs_list", nil, &pairs); rpcErr != nil {
		t.Fatalf("pairs_list error = %s", rpcErr.Message)
	}
	if pairs.Count != 1 || pairs.Pairs[0].Pending != 2 {
		t.Errorf("pairs_list = %+v, want one pair with 2 pending", pairs)
	}
}

func TestTasksAddHook(t *testing.T) {
	var seen []swap.TaskID
	fail := false
	env := newTestEnvWith(t, func(_ context.Context, pair swap.ResourcePair, task *storage.Task) error {
		if pair.Name != testPair.Name || task.Pair != testPair.Name {
			t.Errorf("hook pair = %s, task pair = %s", pair.Name, task.Pair)
		}
		seen = append(seen, task.TaskID)
		if fail {
			return errors.New("seed failed")
		}
		return nil
	})
	_, h := testTask(6)
	_, h2 := testTask(7)

	if rpcErr := env.call(t, "tasks_add", TasksAddParams{Pair: testPair.Name, TaskID: h.String()}, nil); rpcErr != nil {
		t.Fatalf("tasks_add error = %s", rpcErr.Message)
	}
	if len(seen) != 1 || seen[0] != h {
		t.Fatalf("hook saw %v, want [%s]", seen, h.Short())
	}

	// A failing hook unregisters the task.
	fail = true
	rpcErr := env.call(t, "tasks_add", TasksAddParams{Pair: testPair.Name, TaskID: h2.String()}, nil)
	if rpcErr == nil || rpcErr.Code != InternalError {
		t.Fatalf("tasks_add error = %+v, want InternalError", rpcErr)
	}
	if _, err := env.store.GetTaskRecord(context.Background(), testPair.Self, h2); !errors.Is(err, storage.ErrTaskNotFound) {
		t.Errorf("GetTaskRecord() error = %v, want ErrTaskNotFound", err)
	}
}

func TestTasksGetNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, h := testTask(9)

	rpcErr := env.call(t, "tasks_get", TaskParams{Pair: testPair.Name, TaskID: h.String()}, nil)
	if rpcErr == nil || rpcErr.Code != InternalError {
		t.Fatalf("tasks_get error = %+v, want InternalError", rpcErr)
	}
	if !strings.Contains(rpcErr.Message, storage.ErrTaskNotFound.Error()) {
		t.Errorf("Message = %q", rpcErr.Message)
	}
}

func TestTasksTick(t *testing.T) {
	env := newTestEnv(t)
	secret, h := testTask(4)

	env.ledger.Put(testPair.Self, h, &memory.Leg{
		SelfTimelock:         time.Now().Add(2 * time.Hour),
		CounterpartyTimelock: time.Now().Add(time.Hour),
		Secret:               &secret,
		SelfUnlocked:         true,
	})

	// Ticking an unregistered task fails without reaching the ledger.
	if rpcErr := env.call(t, "tasks_tick", TaskParams{Pair: testPair.Name, TaskID: h.String()}, nil); rpcErr == nil {
		t.Fatal("tasks_tick on unregistered task succeeded")
	}
	if n := env.ledger.Calls("GetSelfTimelock"); n != 0 {
		t.Errorf("ledger reads = %d, want 0", n)
	}

	if rpcErr := env.call(t, "tasks_add", TasksAddParams{Pair: testPair.Name, TaskID: h.String()}, nil); rpcErr != nil {
		t.Fatalf("tasks_add error = %s", rpcErr.Message)
	}

	var res swap.TickResult
	if rpcErr := env.call(t, "tasks_tick", TaskParams{Pair: testPair.Name, TaskID: h.String()}, &res); rpcErr != nil {
		t.Fatalf("tasks_tick error = %s", rpcErr.Message)
	}
	if res.Outcome != swap.OutcomeResolved {
		t.Errorf("Outcome = %s, want resolved (%s)", res.Outcome, res.Reason)
	}
	if _, err := env.store.GetTaskRecord(context.Background(), testPair.Self, h); err == nil {
		t.Error("resolved task still registered")
	}

	var status SchedulerStatusResult
	env.call(t, "scheduler_status", nil, &status)
	if status.Driver.Ticks != 1 || status.Driver.Resolved != 1 {
		t.Errorf("driver status = %+v", status.Driver)
	}
}

func TestWebSocketTickEvents(t *testing.T) {
	env := newTestEnv(t)
	secret, h := testTask(5)

	env.ledger.Put(testPair.Self, h, &memory.Leg{
		SelfTimelock:         time.Now().Add(2 * time.Hour),
		CounterpartyTimelock: time.Now().Add(time.Hour),
		Secret:               &secret,
	})
	if err := env.store.AddTask(context.Background(), testPair.Name, testPair.Self, h); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(WSSubscription{Action: "subscribe", Events: []string{string(EventTickFinished)}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.WSHub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Let the subscription land before the event is broadcast.
	time.Sleep(50 * time.Millisecond)

	if rpcErr := env.call(t, "tasks_tick", TaskParams{Pair: testPair.Name, TaskID: h.String()}, nil); rpcErr != nil {
		t.Fatalf("tasks_tick error = %s", rpcErr.Message)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	var event struct {
		Type EventType  `json:"type"`
		Data swap.Event `json:"data"`
	}
	if err := json.Unmarshal(msg, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Type != EventTickFinished {
		t.Errorf("Type = %s, want %s", event.Type, EventTickFinished)
	}
	if event.Data.TaskID != h || event.Data.Outcome != swap.OutcomePending {
		t.Errorf("event = %+v, want pending tick of %s", event.Data, h.Short())
	}
}

func TestHubDropsUnsubscribed(t *testing.T) {
	c := &WSClient{subscriptions: map[EventType]bool{}}
	if !c.subscribed(EventTaskAdded) {
		t.Error("client with no subscriptions should receive everything")
	}

	c.handleSubscription(&WSSubscription{Action: "subscribe", Events: []string{string(EventTickFailed)}})
	if c.subscribed(EventTaskAdded) {
		t.Error("subscribed(task_added) = true after narrowing to tick_failed")
	}
	if !c.subscribed(EventTickFailed) {
		t.Error("subscribed(tick_failed) = false")
	}

	c.handleSubscription(&WSSubscription{Action: "unsubscribe", Events: []string{string(EventTickFailed)}})
	if !c.subscribed(EventTaskAdded) {
		t.Error("client should receive everything after unsubscribing all")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodOptions, env.http.URL, bytes.NewReader(nil))
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

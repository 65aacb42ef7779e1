// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/talksim/orchestrator/internal/billing"
	"github.com/talksim/orchestrator/internal/config"
	"github.com/talksim/orchestrator/internal/health"
	"github.com/talksim/orchestrator/internal/queue"
	"github.com/talksim/orchestrator/internal/store"
	"github.com/talksim/orchestrator/internal/version"
)

// goneBeyondPidMax matches the convention in the procgroup tests: far
// above any default pid_max, so liveness probes see nothing there.
const goneBeyondPidMax = 999999

type fakeBiller struct {
	mu sync.Mutex

	studentID  string
	studentErr error

	sufficient    bool
	sufficientErr error

	deductFn    func(sessionID string, minute int) billing.Deduction
	deductCalls []int

	reconcileFn    func(sessionID string, totalMinutes int) billing.Reconciliation
	reconcileCalls []int

	saveOK      bool
	saveErr     error
	transcripts map[string]json.RawMessage
}

func newFakeBiller() *fakeBiller {
	return &fakeBiller{
		studentID:   "student-1",
		sufficient:  true,
		saveOK:      true,
		transcripts: map[string]json.RawMessage{},
	}
}

func (f *fakeBiller) GetStudentID(_ context.Context, _ string) (string, error) {
	if f.studentErr != nil {
		return "", f.studentErr
	}
	return f.studentID, nil
}

func (f *fakeBiller) CheckSufficient(_ context.Context, _ string, _ int) (bool, error) {
	return f.sufficient, f.sufficientErr
}

func (f *fakeBiller) DeductMinute(_ context.Context, sessionID string, minute int) billing.Deduction {
	f.mu.Lock()
	f.deductCalls = append(f.deductCalls, minute)
	f.mu.Unlock()
	if f.deductFn != nil {
		return f.deductFn(sessionID, minute)
	}
	return billing.Deduction{
		Result:       billing.ResultSuccess,
		StudentID:    f.studentID,
		MinuteNumber: minute,
		BalanceAfter: 9,
	}
}

func (f *fakeBiller) ReconcileSession(_ context.Context, sessionID string, totalMinutes int) billing.Reconciliation {
	f.mu.Lock()
	f.reconcileCalls = append(f.reconcileCalls, totalMinutes)
	f.mu.Unlock()
	if f.reconcileFn != nil {
		return f.reconcileFn(sessionID, totalMinutes)
	}
	return billing.Reconciliation{Success: true, StudentID: f.studentID, TotalBilled: totalMinutes}
}

func (f *fakeBiller) SaveTranscript(_ context.Context, sessionID string, messages json.RawMessage) (bool, error) {
	if f.saveErr != nil {
		return false, f.saveErr
	}
	if f.saveOK {
		f.mu.Lock()
		f.transcripts[sessionID] = messages
		f.mu.Unlock()
	}
	return f.saveOK, nil
}

func (f *fakeBiller) deducted() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.deductCalls...)
}

func (f *fakeBiller) reconciled() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.reconcileCalls...)
}

type fakeQueue struct {
	mu      sync.Mutex
	tasks   []*queue.Task
	nextID  int
	failErr error
}

func (f *fakeQueue) Enqueue(_ context.Context, task *queue.Task) (string, error) {
	if f.failErr != nil {
		return "", f.failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	task.ID = fmt.Sprintf("task-%d", f.nextID)
	f.tasks = append(f.tasks, task)
	return task.ID, nil
}

type fakeRevoker struct {
	mu      sync.Mutex
	revoked []string
	err     error
}

func (f *fakeRevoker) RevokeTask(_ context.Context, taskID string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.revoked = append(f.revoked, taskID)
	f.mu.Unlock()
	return nil
}

func (f *fakeRevoker) revokedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

type testEnv struct {
	srv     *Server
	router  http.Handler
	store   *store.Store
	mr      *miniredis.Miniredis
	biller  *fakeBiller
	queue   *fakeQueue
	revoker *fakeRevoker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{
		LiveKitURL:       "wss://rooms.test",
		LiveKitAPIKey:    "test-api-key",
		LiveKitAPISecret: "test-api-secret-of-decent-length",
		ListenAddr:       ":0",
	}

	biller := newFakeBiller()
	q := &fakeQueue{}
	rev := &fakeRevoker{}

	srv := New(cfg, store.New(client, time.Hour), biller, q, rev, health.NewManager(version.Version))
	// Teardown probes pids that do not exist here, so the escalation
	// waits shrink to keep tests fast.
	srv.cleaner.selfTermWait = 20 * time.Millisecond
	srv.cleaner.probeEvery = 5 * time.Millisecond
	srv.cleaner.termGrace = 50 * time.Millisecond
	srv.cleaner.killWait = 20 * time.Millisecond

	return &testEnv{
		srv:     srv,
		router:  srv.Router(),
		store:   srv.store,
		mr:      mr,
		biller:  biller,
		queue:   q,
		revoker: rev,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// seedSession writes a minimal live session record.
func (e *testEnv) seedSession(t *testing.T, id string, fields map[string]any) {
	t.Helper()
	base := map[string]any{
		store.FieldUserName:   "casey",
		store.FieldVoiceID:    "Ashley",
		store.FieldStatus:     store.StatusReady,
		store.FieldStartTime:  time.Now().Unix(),
		store.FieldLastActive: time.Now().Unix(),
	}
	for k, v := range fields {
		base[k] = v
	}
	e.store.PutSession(context.Background(), id, base)
}

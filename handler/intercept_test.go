package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/config"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type serviceMode int

const (
	serviceUp serviceMode = iota
	serviceDown
	serviceRejecting
)

// analysisService stands in for the remote analysis service.
type analysisService struct {
	mu       sync.Mutex
	mode     serviceMode
	received []*model.PendingSubmission
	headers  []http.Header
}

func (a *analysisService) set(mode serviceMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = mode
}

func (a *analysisService) deliveries() []*model.PendingSubmission {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*model.PendingSubmission(nil), a.received...)
}

func (a *analysisService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	mode := a.mode
	a.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	switch mode {
	case serviceDown:
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
		return
	case serviceRejecting:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Analysis-Version", "2")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"not a contract"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !strings.HasSuffix(r.URL.Path, "/analyze") {
		json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path, "query": r.URL.RawQuery})
		return
	}

	sub, err := service.ExtractSubmission(r.Header.Get("Content-Type"), body, time.Now())
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"no file"}`))
		return
	}
	a.mu.Lock()
	a.received = append(a.received, sub)
	a.headers = append(a.headers, r.Header.Clone())
	a.mu.Unlock()

	json.NewEncoder(w).Encode(model.AnalysisResult{
		Filename: sub.Filename,
		Type:     "lease",
		Risk:     "low",
	})
}

// brokenStore cannot be written, as if the disk were full.
type brokenStore struct {
	*service.MemoryStore
}

func (brokenStore) Put(context.Context, *model.PendingSubmission) error {
	return model.ErrStoreUnavailable
}

type testStack struct {
	analysis *analysisService
	proxy    *service.Proxy
	cfg      *config.Config
	url      string
	stop     context.CancelFunc
}

func newTestStack(t *testing.T, store service.PendingStore, mutate func(*config.Config)) *testStack {
	t.Helper()

	analysis := &analysisService{}
	upstream := httptest.NewServer(analysis)
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.Upstream.BaseURL = upstream.URL
	cfg.Upstream.Timeout = 2 * time.Second
	cfg.Upstream.RetryWaitMin = time.Millisecond
	cfg.Upstream.RetryWaitMax = 5 * time.Millisecond
	cfg.Store.Backend = config.BackendMemory
	cfg.Client.Timeout = 5 * time.Second
	if mutate != nil {
		mutate(cfg)
	}
	if store == nil {
		store = service.NewMemoryStore()
	}

	reg := prometheus.NewRegistry()
	proxy := service.NewProxy(store, service.NewAnalyzerClient(&cfg.Upstream),
		service.WithMetrics(service.NewMetrics(reg)))
	ctx, cancel := context.WithCancel(context.Background())
	go proxy.Run(ctx)

	srv := httptest.NewServer(NewRouter(cfg, proxy, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-proxy.Done()
	})

	cfg.Client.ProxyURL = srv.URL
	cfg.Client.ControlURL = config.ControlURLFor(srv.URL)
	return &testStack{analysis: analysis, proxy: proxy, cfg: cfg, url: srv.URL, stop: cancel}
}

// submitter connects a foreground client the way the CLI does.
func (s *testStack) submitter(t *testing.T) *service.Submitter {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	header := http.Header{}
	if s.cfg.Client.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Client.Token)
	}
	control, err := service.DialControl(ctx, s.cfg.Client.ControlURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { control.Close() })

	sub := service.NewSubmitter(&s.cfg.Client, control)
	require.NoError(t, sub.Start(ctx))
	return sub
}

func document(name string, data []byte) service.Document {
	return service.Document{
		Filename:     name,
		MimeType:     "application/pdf",
		LastModified: time.UnixMilli(1714550400000),
		Data:         data,
	}
}

func pdf(text string) []byte {
	return []byte("%PDF-1.4\n" + text + "\n%%EOF")
}

func multipartRequest(t *testing.T, url, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(service.FileField, filename)
	require.NoError(t, err)
	part.Write(data)
	require.NoError(t, w.Close())

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestScenarioDeliveredWithNoBacklog(t *testing.T) {
	stack := newTestStack(t, nil, nil)
	sub := stack.submitter(t)

	outcome, err := sub.Submit(context.Background(), document("lease.pdf", pdf("lease")))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeDelivered, outcome.Kind)

	result, err := model.DecodeAnalysis(outcome.Body)
	require.NoError(t, err)
	assert.Equal(t, "lease.pdf", result.Filename)
	assert.Equal(t, "low", result.Risk)

	require.Len(t, stack.analysis.deliveries(), 1)
	meta, err := stack.proxy.GetPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.Equal(t, model.StateIdle, sub.State())
}

func TestScenarioOfflineThenRetry(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, nil, nil)
	stack.analysis.set(serviceDown)
	sub := stack.submitter(t)
	data := pdf("lease with clauses")

	// The analysis service is unreachable: the document is kept.
	outcome, err := sub.Submit(ctx, document("lease.pdf", data))
	require.NoError(t, err)
	require.Equal(t, model.OutcomePending, outcome.Kind)
	assert.Equal(t, model.PendingReason, outcome.Reason)
	assert.Equal(t, model.StatePendingStored, sub.State())
	assert.Equal(t, "lease.pdf", sub.PendingFilename())

	stored, err := stack.proxy.FetchPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, data, stored.Payload)
	assert.Equal(t, "lease.pdf", stored.Filename)
	assert.Equal(t, "application/pdf", stored.MimeType)
	assert.Equal(t, int64(1714550400000), stored.LastModified.UnixMilli())

	// Nothing new goes out while the stored document is unresolved.
	_, err = sub.Submit(ctx, document("nda.pdf", pdf("nda")))
	require.ErrorIs(t, err, model.ErrSubmissionBlocked)

	// Still offline: the retry reports pending and keeps the document.
	outcome, err = sub.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePending, outcome.Kind)
	assert.Equal(t, model.StatePendingStored, sub.State())

	// Back online.
	stack.analysis.set(serviceUp)
	outcome, err = sub.Retry(ctx)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeDelivered, outcome.Kind)
	assert.Equal(t, model.StateIdle, sub.State())

	delivered := stack.analysis.deliveries()
	require.Len(t, delivered, 1)
	assert.Equal(t, data, delivered[0].Payload)
	assert.Equal(t, "lease.pdf", delivered[0].Filename)

	meta, err := stack.proxy.GetPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestScenarioPendingSurvivesClientRestart(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, nil, nil)
	stack.analysis.set(serviceDown)

	first := stack.submitter(t)
	_, err := first.Submit(ctx, document("lease.pdf", pdf("lease")))
	require.NoError(t, err)

	// A new session learns about the stored document from the proxy.
	second := stack.submitter(t)
	assert.Equal(t, model.StatePendingStored, second.State())
	assert.Equal(t, "lease.pdf", second.PendingFilename())
}

func TestScenarioSecondSubmissionOverwrites(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, nil, nil)
	stack.analysis.set(serviceDown)

	_, err := stack.submitter(t).Submit(ctx, document("lease.pdf", pdf("lease")))
	require.NoError(t, err)

	// A client that bypasses the pending check overwrites the stored document.
	resp, err := http.DefaultClient.Do(multipartRequest(t, stack.url+"/analyze", "nda.pdf", pdf("nda")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", resp.Header.Get(model.OutcomeHeader))

	stored, err := stack.proxy.FetchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "nda.pdf", stored.Filename)
	assert.Equal(t, pdf("nda"), stored.Payload)
}

func TestScenarioStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t, brokenStore{service.NewMemoryStore()}, nil)
	stack.analysis.set(serviceDown)
	sub := stack.submitter(t)

	outcome, err := sub.Submit(ctx, document("lease.pdf", pdf("lease")))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeFailed, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, model.ErrStoreUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, outcome.StatusCode)
	assert.Equal(t, model.StateIdle, sub.State(), "nothing was stored so nothing blocks")

	meta, err := stack.proxy.GetPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestInterceptApplicationErrorForwardedVerbatim(t *testing.T) {
	stack := newTestStack(t, nil, nil)
	stack.analysis.set(serviceRejecting)

	resp, err := http.DefaultClient.Do(multipartRequest(t, stack.url+"/analyze", "photo.pdf", pdf("photo")))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.JSONEq(t, `{"error":"not a contract"}`, string(body))
	assert.Equal(t, "2", resp.Header.Get("X-Analysis-Version"))
	assert.Equal(t, "failed", resp.Header.Get(model.OutcomeHeader))
	assert.Equal(t, model.KindApplication, resp.Header.Get(model.ErrorKindHeader))

	meta, err := stack.proxy.GetPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, meta, "rejected documents are not stored")
}

func TestInterceptDeliveredResponse(t *testing.T) {
	stack := newTestStack(t, nil, nil)

	resp, err := http.DefaultClient.Do(multipartRequest(t, stack.url+"/api/analyze", "lease.pdf", pdf("lease")))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "delivered", resp.Header.Get(model.OutcomeHeader))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestInterceptPendingResponse(t *testing.T) {
	stack := newTestStack(t, nil, nil)
	stack.analysis.set(serviceDown)

	resp, err := http.DefaultClient.Do(multipartRequest(t, stack.url+"/analyze", "lease.pdf", pdf("lease")))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", resp.Header.Get(model.OutcomeHeader))

	var body model.PendingResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, model.PendingResponse{Pending: true, Message: model.PendingReason, Filename: "lease.pdf"}, body)
}

func TestInterceptErrors(t *testing.T) {
	tests := []struct {
		name       string
		request    func(t *testing.T, url string) *http.Request
		wantStatus int
		wantKind   string
	}{
		{
			name: "unreadable submission while offline",
			request: func(t *testing.T, url string) *http.Request {
				req, _ := http.NewRequest(http.MethodPost, url+"/analyze", strings.NewReader(`{"file":"lease.pdf"}`))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   model.KindPayloadExtraction,
		},
		{
			name: "body too large",
			request: func(t *testing.T, url string) *http.Request {
				return multipartRequest(t, url+"/analyze", "huge.pdf", bytes.Repeat([]byte("x"), 1<<20+64<<10))
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantKind:   model.KindPayloadExtraction,
		},
		{
			name: "passthrough while offline",
			request: func(t *testing.T, url string) *http.Request {
				req, _ := http.NewRequest(http.MethodGet, url+"/api/history", nil)
				return req
			},
			wantStatus: http.StatusBadGateway,
			wantKind:   model.KindTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stack := newTestStack(t, nil, func(cfg *config.Config) { cfg.Server.MaxBodyMB = 1 })
			stack.analysis.set(serviceDown)

			resp, err := http.DefaultClient.Do(tt.request(t, stack.url))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, "failed", resp.Header.Get(model.OutcomeHeader))
			assert.Equal(t, tt.wantKind, resp.Header.Get(model.ErrorKindHeader))

			var body model.ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantKind, body.Kind)
			assert.NotEmpty(t, body.Error)

			meta, err := stack.proxy.GetPending(context.Background())
			require.NoError(t, err)
			assert.Nil(t, meta)
		})
	}
}

func TestInterceptPassthrough(t *testing.T) {
	stack := newTestStack(t, nil, nil)

	resp, err := http.Get(stack.url + "/api/history?page=2")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(model.OutcomeHeader), "passthrough is not a submission")

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, map[string]string{"path": "/api/history", "query": "page=2"}, body)
}

func TestIsSubmission(t *testing.T) {
	tests := []struct {
		method, path string
		want         bool
	}{
		{http.MethodPost, "/analyze", true},
		{http.MethodPost, "/api/v1/analyze", true},
		{http.MethodPost, "/analyze/", true},
		{http.MethodGet, "/analyze", false},
		{http.MethodPost, "/analyzer", false},
		{http.MethodPost, "/upload", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, tt.path, nil)
		if got := IsSubmission(r); got != tt.want {
			t.Errorf("IsSubmission(%s %s) = %v, want %v", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		model.KindPayloadExtraction: http.StatusUnprocessableEntity,
		model.KindStoreUnavailable:  http.StatusServiceUnavailable,
		model.KindTransport:         http.StatusBadGateway,
		model.KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := statusFor(kind); got != want {
			t.Errorf("statusFor(%q) = %d, want %d", kind, got, want)
		}
	}
}

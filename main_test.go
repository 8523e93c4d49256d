package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/config"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/handler"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// execute runs the CLI with args and returns what it printed on stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, proxyURL, verbose = defaultConfigPath, "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// startProxy runs a proxy in front of an analysis service that drops every connection.
func startProxy(t *testing.T) (*service.Proxy, string) {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
			conn.Close()
		}
	}))
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.Upstream.BaseURL = upstream.URL
	cfg.Store.Backend = config.BackendMemory

	proxy := service.NewProxy(service.NewMemoryStore(), service.NewAnalyzerClient(&cfg.Upstream))
	ctx, cancel := context.WithCancel(context.Background())
	go proxy.Run(ctx)

	srv := httptest.NewServer(handler.NewRouter(cfg, proxy, nil))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-proxy.Done()
	})
	return proxy, srv.URL
}

func TestClientCommands(t *testing.T) {
	proxy, url := startProxy(t)

	path := filepath.Join(t.TempDir(), "lease.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\nlease\n%%EOF"), 0o644))

	out, err := execute(t, "status", "--proxy", url)
	require.NoError(t, err)
	assert.Contains(t, out, "No pending document.")

	out, err = execute(t, "submit", path, "--proxy", url)
	require.NoError(t, err)
	assert.Contains(t, out, "Pending: lease.pdf")

	sub, err := proxy.FetchPending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "application/pdf", sub.MimeType)

	out, err = execute(t, "status", "--proxy", url)
	require.NoError(t, err)
	assert.Contains(t, out, "lease.pdf")
	assert.Contains(t, out, "application/pdf")

	_, err = execute(t, "submit", path, "--proxy", url)
	assert.ErrorIs(t, err, model.ErrSubmissionBlocked)

	out, err = execute(t, "retry", "--proxy", url)
	require.NoError(t, err)
	assert.Contains(t, out, "still unreachable")

	out, err = execute(t, "clear", "--proxy", url)
	require.NoError(t, err)
	assert.Contains(t, out, "discarded")

	out, err = execute(t, "retry", "--proxy", url)
	require.NoError(t, err)
	assert.Contains(t, out, "No pending document.")
}

// startGarbledProxy serves submissions normally but answers every control
// request with a frame that cannot be correlated.
func startGarbledProxy(t *testing.T) string {
	t.Helper()
	router := gin.New()
	router.GET(handler.ControlPath, func(c *gin.Context) {
		conn, err := (&websocket.Upgrader{}).Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
		}
	})
	router.POST("/analyze", func(c *gin.Context) {
		c.Header(model.OutcomeHeader, string(model.OutcomeDelivered))
		c.JSON(http.StatusOK, gin.H{"filename": "lease.pdf", "risk": "low"})
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestClientCommandsWithGarbledControlChannel(t *testing.T) {
	previous := controlTimeout
	controlTimeout = 200 * time.Millisecond
	t.Cleanup(func() { controlTimeout = previous })
	url := startGarbledProxy(t)

	path := filepath.Join(t.TempDir(), "lease.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\nlease\n%%EOF"), 0o644))

	start := time.Now()
	out, err := execute(t, "submit", path, "--proxy", url)
	require.NoError(t, err, "an unusable control channel means nothing is pending")
	assert.Contains(t, out, "low")

	_, err = execute(t, "retry", "--proxy", url)
	assert.ErrorIs(t, err, model.ErrProtocol)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSubmitMissingFile(t *testing.T) {
	_, err := execute(t, "submit", filepath.Join(t.TempDir(), "missing.pdf"))
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("STANDBY_AUTH_JWT_SECRET", "test-secret")

	out, err := execute(t, "token", "kiosk-7")
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "kiosk-7", claims.Subject)
}

func TestTokenCommandWithoutSecret(t *testing.T) {
	_, err := execute(t, "token", "kiosk-7")
	assert.ErrorContains(t, err, "jwt_secret")
}

func TestPrintOutcome(t *testing.T) {
	var out bytes.Buffer
	body := []byte(`{"filename":"lease.pdf","type":"lease","risk":"low","compliance":"ok"}`)
	require.NoError(t, printOutcome(&out, model.Delivered(http.StatusOK, nil, body)))
	assert.Contains(t, out.String(), "lease.pdf")
	assert.Contains(t, out.String(), "low")

	out.Reset()
	require.NoError(t, printOutcome(&out, model.Delivered(http.StatusOK, nil, []byte("plain text"))))
	assert.Contains(t, out.String(), "plain text")

	rejected := model.Failed(model.KindError(model.KindApplication, "status 422"))
	rejected.StatusCode = http.StatusUnprocessableEntity
	rejected.Body = []byte(`{"error":"not a contract"}`)
	err := printOutcome(&out, rejected)
	assert.ErrorIs(t, err, model.ErrApplication)
	assert.ErrorContains(t, err, "not a contract")

	err = printOutcome(&out, model.Failed(model.ErrStoreUnavailable))
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
}

func TestPrintPending(t *testing.T) {
	var out bytes.Buffer
	printPending(&out, nil)
	assert.Equal(t, "No pending document.\n", out.String())

	out.Reset()
	printPending(&out, &model.PendingMetadata{
		Filename:     "lease.pdf",
		MimeType:     "application/pdf",
		Size:         2048,
		LastModified: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		StoredAt:     time.Date(2024, 5, 4, 12, 0, 0, 0, time.UTC),
	})
	assert.Contains(t, out.String(), "lease.pdf")
	assert.Contains(t, out.String(), "2048 bytes")
	assert.Contains(t, out.String(), "2024-05-04T12:00:00Z")
}

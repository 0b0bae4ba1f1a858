package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()

	router := gin.New()
	router.Use(m.Middleware())
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	for _, path := range []string{"/ok", "/ok", "/bad", "/nowhere"} {
		req, _ := http.NewRequest("GET", path, nil)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	snap := m.Snapshot()
	assert.Equal(t, int64(4), snap.RequestCount)
	assert.Equal(t, int64(2), snap.ErrorCount)
	assert.Equal(t, int64(0), snap.ActiveRequests)
	assert.Equal(t, int64(2), snap.StatusCodes["OK"])
	assert.Equal(t, int64(2), snap.Endpoints["GET /ok"])
	assert.Equal(t, int64(1), snap.Endpoints["GET unmatched"])
	assert.NotNil(t, snap.LastRequest)
}

func TestGetSystemMetrics(t *testing.T) {
	sys := GetSystemMetrics(time.Now().Add(-time.Minute))
	assert.GreaterOrEqual(t, sys.UptimeSeconds, int64(59))
	assert.NotEmpty(t, sys.GoVersion)
	assert.Positive(t, sys.GoroutineCount)
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker(50 * time.Millisecond)
	h.Register("database", func(context.Context) error { return nil })
	h.Register("cache", func(context.Context) error { return errors.New("connection refused") })
	h.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	results, healthy := h.Run(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, StatusHealthy, results["database"].Status)
	assert.Equal(t, StatusUnhealthy, results["cache"].Status)
	assert.Equal(t, "connection refused", results["cache"].Message)
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, []string{"cache", "database", "slow"}, h.Names())
}

type fakeController struct {
	starts, stops int
	failStart     bool
}

func (f *fakeController) Start(context.Context) error {
	f.starts++
	if f.failStart {
		return errors.New("cannot start")
	}
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.stops++
	return nil
}

func TestServiceRegistry_Control(t *testing.T) {
	r := NewServiceRegistry(zap.NewNop())
	ctrl := &fakeController{}
	r.Register("cache-manager", "Cache manager", ctrl, false)
	r.Register("file-watcher", "File watcher", nil, true)
	ctx := context.Background()

	_, _, err := r.Control(ctx, "missing", "start")
	assert.ErrorIs(t, err, ErrServiceNotFound)
	_, _, err = r.Control(ctx, "cache-manager", "explode")
	assert.ErrorIs(t, err, ErrInvalidAction)

	info, msg, err := r.Control(ctx, "cache-manager", "start")
	require.NoError(t, err)
	assert.Equal(t, ServiceRunning, info.Status)
	assert.NotNil(t, info.StartTime)
	assert.Contains(t, msg, "started")
	assert.Equal(t, 1, ctrl.starts)

	_, msg, err = r.Control(ctx, "cache-manager", "start")
	require.NoError(t, err)
	assert.Contains(t, msg, "already running")
	assert.Equal(t, 1, ctrl.starts)

	info, _, err = r.Control(ctx, "cache-manager", "stop")
	require.NoError(t, err)
	assert.Equal(t, ServiceStopped, info.Status)
	assert.Nil(t, info.StartTime)
	assert.Equal(t, 1, ctrl.stops)

	_, msg, err = r.Control(ctx, "cache-manager", "stop")
	require.NoError(t, err)
	assert.Contains(t, msg, "already stopped")
}

func TestServiceRegistry_RestartClearsErrors(t *testing.T) {
	r := NewServiceRegistry(zap.NewNop())
	r.Register("log-processor", "Log processor", nil, true)

	r.RecordError("log-processor", errors.New("disk full"))
	r.RecordError("log-processor", errors.New("disk full"))

	info, ok := r.Get("log-processor")
	require.True(t, ok)
	assert.Equal(t, 2, info.ErrorCount)

	info, _, err := r.Control(context.Background(), "log-processor", "restart")
	require.NoError(t, err)
	assert.Equal(t, 0, info.ErrorCount)
	assert.Empty(t, info.LastError)
	assert.Equal(t, ServiceRunning, info.Status)
}

func TestServiceRegistry_FailedStart(t *testing.T) {
	r := NewServiceRegistry(zap.NewNop())
	r.Register("scheduler", "Scheduler", &fakeController{failStart: true}, false)

	info, _, err := r.Control(context.Background(), "scheduler", "start")
	assert.Error(t, err)
	assert.Equal(t, ServiceError, info.Status)
	assert.Equal(t, 1, info.ErrorCount)

	total, running, failed, errs := r.Counts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, running)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, errs)
}

func TestServiceRegistry_ListOrderAndStopAll(t *testing.T) {
	r := NewServiceRegistry(zap.NewNop())
	a, b := &fakeController{}, &fakeController{}
	r.Register("a", "A", a, true)
	r.Register("b", "B", b, true)
	r.Register("c", "C", nil, true)

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].ID, list[1].ID, list[2].ID})

	require.NoError(t, r.StopAll(context.Background()))
	assert.Equal(t, 1, a.stops)
	assert.Equal(t, 1, b.stops)

	info, _ := r.Get("c")
	assert.Equal(t, ServiceRunning, info.Status)
}

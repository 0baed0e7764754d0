package handler

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"wharf/api/config"
	"wharf/api/discovery"
	"wharf/api/health"
	"wharf/api/k8s"
	"wharf/api/manager"
	"wharf/api/model"
)

const testNS = "fileservers"

func newTestRouter(t *testing.T, objects ...runtime.Object) (*chi.Mux, *fake.Clientset) {
	t.Helper()

	cs := fake.NewSimpleClientset(objects...)
	kube := k8s.NewWithClientset(cs)
	cfg := &config.Config{
		Namespace:         testNS,
		LabelSelector:     "managed-by=wharf",
		ParentName:        "wharf-parent",
		MaxDynamicServers: 10,
		NodePortMin:       30000,
		NodePortMax:       32767,
		StorageSize:       "1Gi",
		FTPImage:          "delfer/alpine-ftp-server:latest",
		SFTPImage:         "atmoz/sftp:alpine",
		NASImage:          "dperson/samba:latest",
	}

	disc := discovery.New(kube, cfg.Namespace, cfg.LabelSelector, time.Minute)
	require.NoError(t, disc.Refresh(context.Background()))

	mgr := manager.New(kube, disc, nil, cfg)

	prober := health.NewProber(disc, nil, time.Hour, 50*time.Millisecond, 4)
	prober.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, &net.DNSError{Err: "no such host", Name: addr}
	}
	prober.RunOnce(context.Background())

	h := New(cfg, disc, mgr, prober, nil)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Route("/servers", func(r chi.Router) {
			r.Get("/", h.ListServers)
			r.Get("/availability", h.CheckAvailability)
			r.Post("/{protocol}", h.CreateServer)
			r.Route("/{name}", func(r chi.Router) {
				r.Use(ValidateServerName)
				r.Get("/", h.GetServer)
				r.Delete("/", h.DeleteServer)
				r.Post("/stop", h.StopServer)
				r.Post("/start", h.StartServer)
				r.Post("/restart", h.RestartServer)
			})
		})
	})
	return r, cs
}

func staticNAS(name string) []runtime.Object {
	return []runtime.Object{
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: testNS,
				Labels:    map[string]string{"managed-by": "wharf", "app": name, discovery.LabelProtocol: "nas"},
			},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: testNS,
				Labels:    map[string]string{"managed-by": "wharf", "app": name},
			},
			Spec: corev1.ServiceSpec{
				Selector: map[string]string{"app": name},
				Ports:    []corev1.ServicePort{{Port: 445}},
			},
		},
	}
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

const ftpBody = `{"name":"ftp-test-1","ftp":{"username":"tester","password":"longenough"}}`

func TestCreateServerEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := do(r, "POST", "/api/servers/ftp", ftpBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var desc model.ServerDescriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &desc))
	assert.Equal(t, "ftp-test-1", desc.Name)
	assert.Equal(t, model.ProtocolFTP, desc.Protocol)
}

func TestCreateServerConflictStatus(t *testing.T) {
	r, _ := newTestRouter(t)

	require.Equal(t, http.StatusCreated, do(r, "POST", "/api/servers/ftp", ftpBody).Code)
	assert.Equal(t, http.StatusConflict, do(r, "POST", "/api/servers/ftp", ftpBody).Code)
}

func TestCreateServerValidationStatus(t *testing.T) {
	r, _ := newTestRouter(t)

	body := `{"name":"ftp-test-1","ftp":{"username":"tester","password":"nope"}}`
	assert.Equal(t, http.StatusBadRequest, do(r, "POST", "/api/servers/ftp", body).Code)
}

func TestCreateServerUnknownProtocol(t *testing.T) {
	r, _ := newTestRouter(t)
	assert.Equal(t, http.StatusBadRequest, do(r, "POST", "/api/servers/gopher", ftpBody).Code)
}

func TestStopStaticServerForbidden(t *testing.T) {
	r, _ := newTestRouter(t, staticNAS("nas-input-1")...)

	rec := do(r, "POST", "/api/servers/nas-input-1/stop", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "not controllable")
}

func TestStopUnknownServerNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	assert.Equal(t, http.StatusNotFound, do(r, "POST", "/api/servers/never-was/stop", "").Code)
}

func TestDeleteUnknownServerOK(t *testing.T) {
	r, _ := newTestRouter(t)
	assert.Equal(t, http.StatusOK, do(r, "DELETE", "/api/servers/never-was", "").Code)
}

func TestGetServer(t *testing.T) {
	r, _ := newTestRouter(t, staticNAS("nas-input-1")...)

	rec := do(r, "GET", "/api/servers/nas-input-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var desc model.ServerDescriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &desc))
	assert.Equal(t, model.ManagedByTemplate, desc.ManagedBy)

	assert.Equal(t, http.StatusNotFound, do(r, "GET", "/api/servers/never-was", "").Code)
}

func TestCheckAvailability(t *testing.T) {
	r, _ := newTestRouter(t, staticNAS("nas-input-1")...)

	rec := do(r, "GET", "/api/servers/availability?name=ftp-new-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["available"])

	rec = do(r, "GET", "/api/servers/availability?name=nas-input-1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["available"])

	assert.Equal(t, http.StatusBadRequest, do(r, "GET", "/api/servers/availability", "").Code)
}

func TestListServers(t *testing.T) {
	r, _ := newTestRouter(t, staticNAS("nas-input-1")...)

	rec := do(r, "GET", "/api/servers/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Update model.ServerStatusUpdate `json:"update"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Update.TotalServers)
	assert.False(t, resp.Update.Servers[0].IsHealthy)
	assert.Equal(t, "address could not be resolved", resp.Update.Servers[0].HealthMessage)
}

// The list endpoint must serve the retained envelope, never dial
// servers itself: with a hanging dialer behind several unreachable
// servers the request still returns immediately.
func TestListServersDoesNotDialInline(t *testing.T) {
	var objects []runtime.Object
	for i := 1; i <= 6; i++ {
		objects = append(objects, staticNAS(fmt.Sprintf("nas-input-%d", i))...)
	}
	cs := fake.NewSimpleClientset(objects...)
	kube := k8s.NewWithClientset(cs)

	disc := discovery.New(kube, testNS, "managed-by=wharf", time.Minute)
	require.NoError(t, disc.Refresh(context.Background()))

	var dials atomic.Int64
	prober := health.NewProber(disc, nil, time.Hour, 50*time.Millisecond, 8)
	prober.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	prober.RunOnce(context.Background())
	dialedDuringCycle := dials.Load()

	h := New(&config.Config{Namespace: testNS, LabelSelector: "managed-by=wharf"}, disc, nil, prober, nil)

	rec := httptest.NewRecorder()
	start := time.Now()
	h.ListServers(rec, httptest.NewRequest("GET", "/api/servers/", nil))
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Less(t, elapsed, 50*time.Millisecond, "list must not wait on probe timeouts")
	assert.Equal(t, dialedDuringCycle, dials.Load(), "list must not dial any server")

	var resp struct {
		Update model.ServerStatusUpdate `json:"update"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 6, resp.Update.TotalServers)
	assert.Equal(t, "connection timed out", resp.Update.Servers[0].HealthMessage)
}

func TestValidateServerNameMiddleware(t *testing.T) {
	r, _ := newTestRouter(t)
	assert.Equal(t, http.StatusBadRequest, do(r, "GET", "/api/servers/Bad%20Name", "").Code)
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := do(r, "GET", "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "discovery")
}

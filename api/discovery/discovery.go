package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"wharf/api/k8s"
	"wharf/api/logging"
	"wharf/api/model"
)

// Labels and annotations the discovery loop understands. The static
// deployment templates set the same keys, so template-managed and
// control-plane-managed servers come out of one listing.
const (
	LabelProtocol       = "wharf/protocol"
	AnnotationDirectory = "wharf/directory"
	AnnotationManagedBy = "wharf/managed-by"
)

// Discoverer maintains a point-in-time view of every file server in the
// namespace. The snapshot is replaced atomically each cycle; readers
// always see a complete list. When the cluster API is unreachable the
// previous snapshot keeps serving (stale-but-available).
type Discoverer struct {
	Kube      *k8s.Client
	Namespace string
	Selector  string
	Interval  time.Duration

	log zerolog.Logger

	mu          sync.RWMutex
	snapshot    []model.ServerDescriptor
	refreshedAt time.Time
	lastErr     error
}

func New(kube *k8s.Client, namespace, selector string, interval time.Duration) *Discoverer {
	return &Discoverer{
		Kube:      kube,
		Namespace: namespace,
		Selector:  selector,
		Interval:  interval,
		log:       logging.Component("discovery"),
	}
}

// Run refreshes the snapshot on a fixed cadence until ctx is cancelled.
// Errors are logged and retried next cycle, never surfaced to readers.
func (d *Discoverer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	if err := d.Refresh(ctx); err != nil {
		d.log.Warn().Err(err).Msg("initial discovery failed, serving empty snapshot")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil {
				d.log.Warn().Err(err).Msg("discovery cycle failed, keeping previous snapshot")
			}
		}
	}
}

// Refresh performs one discovery cycle immediately. Management calls it
// after mutations so the next reads see the change without waiting a
// full interval.
func (d *Discoverer) Refresh(ctx context.Context) error {
	servers, err := d.discover(ctx)
	if err != nil {
		d.mu.Lock()
		d.lastErr = err
		d.mu.Unlock()
		return err
	}

	d.mu.Lock()
	d.snapshot = servers
	d.refreshedAt = time.Now()
	d.lastErr = nil
	d.mu.Unlock()
	return nil
}

// Snapshot returns the current descriptor list. The slice is shared and
// must be treated as read-only; descriptors are value types.
func (d *Discoverer) Snapshot() []model.ServerDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshot
}

// RefreshedAt reports when the snapshot was last rebuilt successfully,
// plus any error from the most recent attempt.
func (d *Discoverer) RefreshedAt() (time.Time, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.refreshedAt, d.lastErr
}

// GetServer looks a server up by name, case-insensitively.
func (d *Discoverer) GetServer(name string) (model.ServerDescriptor, bool) {
	for _, s := range d.Snapshot() {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return model.ServerDescriptor{}, false
}

func (d *Discoverer) discover(ctx context.Context) ([]model.ServerDescriptor, error) {
	deployments, err := d.Kube.ListDeployments(ctx, d.Namespace, d.Selector)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	services, err := d.Kube.ListServices(ctx, d.Namespace, d.Selector)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	pods, err := d.Kube.ListPods(ctx, d.Namespace, d.Selector)
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}

	svcByApp := make(map[string]*corev1.Service, len(services))
	for i := range services {
		if app := services[i].Spec.Selector["app"]; app != "" {
			svcByApp[app] = &services[i]
		}
	}
	podsByApp := make(map[string][]*corev1.Pod)
	for i := range pods {
		if app := pods[i].Labels["app"]; app != "" {
			podsByApp[app] = append(podsByApp[app], &pods[i])
		}
	}

	now := time.Now().UTC()
	servers := make([]model.ServerDescriptor, 0, len(deployments))
	for i := range deployments {
		dep := &deployments[i]
		svc, ok := svcByApp[dep.Name]
		if !ok {
			// A workload without a service has no reachable endpoint.
			// Someone is mid-deploy or mid-cleanup; skip it this cycle.
			d.log.Warn().Str("server", dep.Name).Msg("deployment has no matching service, skipping")
			continue
		}
		servers = append(servers, d.describe(dep, svc, podsByApp[dep.Name], now))
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}

func (d *Discoverer) describe(dep *appsv1.Deployment, svc *corev1.Service, pods []*corev1.Pod, now time.Time) model.ServerDescriptor {
	desc := model.ServerDescriptor{
		Name:           dep.Name,
		Protocol:       model.Protocol(dep.Labels[LabelProtocol]),
		ServiceName:    svc.Name,
		ClusterAddress: fmt.Sprintf("%s.%s.svc.cluster.local", svc.Name, d.Namespace),
		Directory:      dep.Annotations[AnnotationDirectory],
		ManagedBy:      model.ManagedByTemplate,
		DiscoveredAt:   now,
	}

	if dep.Annotations[AnnotationManagedBy] == string(model.ManagedByControlPlane) || len(dep.OwnerReferences) > 0 {
		desc.IsDynamic = true
		desc.ManagedBy = model.ManagedByControlPlane
	}

	if len(svc.Spec.Ports) > 0 {
		p := svc.Spec.Ports[0]
		desc.Port = int(p.Port)
		desc.ExternalPort = int(p.NodePort)
	}

	if pod := newestPod(pods); pod != nil {
		desc.PodName = pod.Name
		desc.PodPhase = string(pod.Status.Phase)
		desc.PodReady = podReady(pod)
	}

	return desc
}

func newestPod(pods []*corev1.Pod) *corev1.Pod {
	var newest *corev1.Pod
	for _, p := range pods {
		if newest == nil || p.CreationTimestamp.After(newest.CreationTimestamp.Time) {
			newest = p
		}
	}
	return newest
}

func podReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// Package manager executes the lifecycle commands: create, delete,
// stop, start, restart. It holds no authoritative state of its own;
// the cluster is the source of truth and the discovery snapshot is
// only an advisory cache. Multi-step creation is compensated: if a
// later resource fails, everything created earlier is deleted before
// the error is surfaced.
package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"

	"wharf/api/config"
	"wharf/api/discovery"
	"wharf/api/guard"
	"wharf/api/k8s"
	"wharf/api/logging"
	"wharf/api/model"
	"wharf/api/registry"
)

// Registry is the service-discovery aggregate the manager keeps in
// step with the cluster. *registry.Client satisfies it; a nil field
// disables the aggregate.
type Registry interface {
	Register(model.ServerDescriptor) error
	Deregister(name string) error
}

type Manager struct {
	Kube      *k8s.Client
	Discovery *discovery.Discoverer
	Registry  Registry // nil when Consul is not configured
	Cfg       *config.Config

	log zerolog.Logger
}

func New(kube *k8s.Client, disc *discovery.Discoverer, reg *registry.Client, cfg *config.Config) *Manager {
	m := &Manager{
		Kube:      kube,
		Discovery: disc,
		Cfg:       cfg,
		log:       logging.Component("manager"),
	}
	// A typed nil pointer must not become a non-nil interface.
	if reg != nil {
		m.Registry = reg
	}
	return m
}

// Create stands up one dynamic server: PVC, deployment, service, and
// the discovery-aggregate entry, in that order. Any later failure
// deletes the earlier resources, so the next discovery cycle never
// observes a half-created server.
func (m *Manager) Create(ctx context.Context, req *model.CreateServerRequest) (model.ServerDescriptor, error) {
	var zero model.ServerDescriptor

	if res := req.Validate(); !res.Valid() {
		return zero, model.Invalid("%s", res.FirstError())
	}

	snapshot := m.Discovery.Snapshot()
	if err := guard.CheckName(snapshot, req.Name); err != nil {
		return zero, err
	}
	if err := guard.CheckExternalPort(snapshot, req.ExternalPort, m.Cfg.NodePortMin, m.Cfg.NodePortMax); err != nil {
		return zero, err
	}
	if err := guard.CheckQuota(snapshot, m.Cfg.MaxDynamicServers); err != nil {
		return zero, err
	}

	build, ok := specBuilders[req.Protocol]
	if !ok {
		return zero, model.Invalid("protocol %q cannot be created via this API", req.Protocol)
	}
	spec := build(req, m.Cfg)

	opID := uuid.NewString()[:8]
	log := m.log.With().Str("op", opID).Str("server", req.Name).Str("protocol", string(req.Protocol)).Logger()
	log.Info().Msg("creating server")

	parent, err := m.Kube.EnsureParent(ctx, m.Cfg.Namespace, m.Cfg.ParentName)
	if err != nil {
		return zero, &model.UnavailableError{Err: err}
	}
	owner := k8s.OwnerRef(parent)
	spec.deployment.Owner = &owner
	spec.service.Owner = &owner

	// Compensations run in reverse on failure. Rollback uses a fresh
	// context so cleanup still happens when the request was cancelled.
	var undo []func(context.Context)
	rollback := func(cause error) (model.ServerDescriptor, error) {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i](cleanupCtx)
		}
		log.Warn().Err(cause).Msg("creation rolled back")
		return zero, cause
	}

	if err := m.Kube.CreatePVC(ctx, m.Cfg.Namespace, pvcName(req.Name), m.Cfg.StorageSize, m.Cfg.StorageClass, spec.deployment.Labels, &owner); err != nil {
		return rollback(m.classifyCreateErr("volume", req.Name, err))
	}
	undo = append(undo, func(ctx context.Context) {
		if err := m.Kube.DeletePVC(ctx, m.Cfg.Namespace, pvcName(req.Name)); err != nil {
			log.Error().Err(err).Msg("rollback: delete pvc")
		}
	})

	if err := m.Kube.CreateDeployment(ctx, m.Cfg.Namespace, spec.deployment); err != nil {
		return rollback(m.classifyCreateErr("workload", req.Name, err))
	}
	undo = append(undo, func(ctx context.Context) {
		if err := m.Kube.DeleteDeployment(ctx, m.Cfg.Namespace, req.Name); err != nil {
			log.Error().Err(err).Msg("rollback: delete deployment")
		}
	})

	if err := m.Kube.CreateService(ctx, m.Cfg.Namespace, spec.service); err != nil {
		return rollback(m.classifyCreateErr("service", req.Name, err))
	}
	undo = append(undo, func(ctx context.Context) {
		if err := m.Kube.DeleteService(ctx, m.Cfg.Namespace, req.Name); err != nil {
			log.Error().Err(err).Msg("rollback: delete service")
		}
	})

	desc := model.ServerDescriptor{
		Name:           req.Name,
		Protocol:       req.Protocol,
		ServiceName:    req.Name,
		ClusterAddress: fmt.Sprintf("%s.%s.svc.cluster.local", req.Name, m.Cfg.Namespace),
		Port:           spec.port,
		ExternalPort:   req.ExternalPort,
		IsDynamic:      true,
		ManagedBy:      model.ManagedByControlPlane,
		Directory:      spec.directory,
		DiscoveredAt:   time.Now().UTC(),
	}

	if m.Registry != nil {
		if err := m.Registry.Register(desc); err != nil {
			return rollback(fmt.Errorf("discovery aggregate: %w", err))
		}
	}

	if err := m.Discovery.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("post-create discovery refresh failed")
	}

	log.Info().Msg("server created")
	return desc, nil
}

// classifyCreateErr separates the late-detected concurrent-create race
// (someone else won at the cluster) from plain API unavailability.
func (m *Manager) classifyCreateErr(resource, name string, err error) error {
	if k8s.IsAlreadyExists(err) {
		return model.Conflict(resource, "server %q was created concurrently", name)
	}
	return &model.UnavailableError{Err: fmt.Errorf("create %s: %w", resource, err)}
}

// Delete tears a dynamic server down. Unknown names are idempotent
// success. Template-managed servers are rejected. The aggregate entry
// goes with the cluster resources; if the aggregate cannot be updated
// the delete fails and a retry converges.
func (m *Manager) Delete(ctx context.Context, name string, deleteData bool) error {
	name = strings.ToLower(name)
	dep, err := m.getLive(ctx, name)
	if err != nil {
		return err
	}
	if dep == nil {
		// Already gone, or never existed. Still sweep the aggregate so
		// a retried delete clears any entry a failed attempt left.
		if err := m.deregister(name); err != nil {
			return err
		}
		m.log.Debug().Str("server", name).Msg("delete of unknown server, treating as success")
		return nil
	}
	if !isDynamic(dep) {
		return &model.NotDynamicError{Name: name}
	}

	log := m.log.With().Str("server", name).Bool("deleteData", deleteData).Logger()

	if err := m.Kube.DeleteService(ctx, m.Cfg.Namespace, name); err != nil {
		return &model.UnavailableError{Err: fmt.Errorf("delete service: %w", err)}
	}
	if err := m.Kube.DeleteDeployment(ctx, m.Cfg.Namespace, name); err != nil {
		return &model.UnavailableError{Err: fmt.Errorf("delete deployment: %w", err)}
	}
	if deleteData {
		if err := m.Kube.DeletePVC(ctx, m.Cfg.Namespace, pvcName(name)); err != nil {
			return &model.UnavailableError{Err: fmt.Errorf("delete volume: %w", err)}
		}
	}
	if err := m.deregister(name); err != nil {
		return err
	}

	if err := m.Discovery.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("post-delete discovery refresh failed")
	}

	log.Info().Msg("server deleted")
	return nil
}

func (m *Manager) deregister(name string) error {
	if m.Registry == nil {
		return nil
	}
	if err := m.Registry.Deregister(name); err != nil {
		return &model.UnavailableError{Err: fmt.Errorf("discovery aggregate deregister: %w", err)}
	}
	return nil
}

// Stop scales the server to zero replicas. Stopping a stopped server
// is a no-op.
func (m *Manager) Stop(ctx context.Context, name string) error {
	return m.scale(ctx, name, 0, "stopped")
}

// Start scales the server back to one replica. Starting a running
// server is a no-op.
func (m *Manager) Start(ctx context.Context, name string) error {
	return m.scale(ctx, name, 1, "started")
}

func (m *Manager) scale(ctx context.Context, name string, replicas int32, verb string) error {
	dep, err := m.getLive(ctx, name)
	if err != nil {
		return err
	}
	if dep == nil {
		return &model.NotFoundError{Name: name}
	}
	if !isDynamic(dep) {
		return &model.NotDynamicError{Name: name}
	}

	changed, err := m.Kube.SetReplicas(ctx, m.Cfg.Namespace, dep.Name, replicas)
	if err != nil {
		return &model.UnavailableError{Err: fmt.Errorf("scale: %w", err)}
	}
	if changed {
		m.log.Info().Str("server", name).Msg("server " + verb)
	}
	return nil
}

// Restart deletes the server's current pods without touching the
// desired replica count; the cluster recreates them on its own.
func (m *Manager) Restart(ctx context.Context, name string) error {
	dep, err := m.getLive(ctx, name)
	if err != nil {
		return err
	}
	if dep == nil {
		return &model.NotFoundError{Name: name}
	}
	if !isDynamic(dep) {
		return &model.NotDynamicError{Name: name}
	}

	if err := m.Kube.DeletePodsForApp(ctx, m.Cfg.Namespace, dep.Name); err != nil {
		return &model.UnavailableError{Err: fmt.Errorf("restart: %w", err)}
	}
	m.log.Info().Str("server", name).Msg("server restarting")
	return nil
}

// IsNameAvailable is the read-only availability check backing live
// validation in the UI. It reads the snapshot, so a concurrent create
// can still win; the cluster settles that race at creation time.
func (m *Manager) IsNameAvailable(name string) bool {
	return guard.CheckName(m.Discovery.Snapshot(), name) == nil
}

// getLive reads the deployment straight from the cluster rather than
// the snapshot, so lifecycle verbs act on what actually exists. A nil
// result with nil error means the server does not exist.
func (m *Manager) getLive(ctx context.Context, name string) (*appsv1.Deployment, error) {
	name = strings.ToLower(name)
	dep, err := m.Kube.GetDeployment(ctx, m.Cfg.Namespace, name)
	if err != nil {
		if k8s.IsNotFound(err) {
			return nil, nil
		}
		return nil, &model.UnavailableError{Err: err}
	}
	return dep, nil
}

func isDynamic(dep *appsv1.Deployment) bool {
	return dep.Annotations[discovery.AnnotationManagedBy] == string(model.ManagedByControlPlane) ||
		len(dep.OwnerReferences) > 0
}

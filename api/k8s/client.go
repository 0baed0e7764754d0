package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client is a thin wrapper over the Kubernetes API, scoped to the
// operations the control plane needs. It holds no state of its own:
// the cluster is the single source of truth.
type Client struct {
	cs kubernetes.Interface
}

func NewClient() (*Client, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(os.Getenv("HOME"), ".kube", "config")
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("k8s config: %w", err)
		}
	}
	cs, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	return &Client{cs: cs}, nil
}

// NewWithClientset wraps an existing clientset. Tests pass a fake here.
func NewWithClientset(cs kubernetes.Interface) *Client {
	return &Client{cs: cs}
}

func (c *Client) ListDeployments(ctx context.Context, namespace, selector string) ([]appsv1.Deployment, error) {
	list, err := c.cs.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (c *Client) ListServices(ctx context.Context, namespace, selector string) ([]corev1.Service, error) {
	list, err := c.cs.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (c *Client) ListPods(ctx context.Context, namespace, selector string) ([]corev1.Pod, error) {
	list, err := c.cs.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (c *Client) GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error) {
	return c.cs.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
}

// EnsureParent creates (or fetches) the ConfigMap that owns every
// dynamically created resource. Deleting it cascades to all of them.
func (c *Client) EnsureParent(ctx context.Context, namespace, name string) (*corev1.ConfigMap, error) {
	cm, err := c.cs.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return cm, nil
	}
	if !k8serrors.IsNotFound(err) {
		return nil, err
	}
	cm = &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{"managed-by": "wharf"},
		},
	}
	created, err := c.cs.CoreV1().ConfigMaps(namespace).Create(ctx, cm, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		return c.cs.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	}
	return created, err
}

// OwnerRef builds the owner reference dynamic resources carry back to
// the parent ConfigMap.
func OwnerRef(parent *corev1.ConfigMap) metav1.OwnerReference {
	return metav1.OwnerReference{
		APIVersion: "v1",
		Kind:       "ConfigMap",
		Name:       parent.Name,
		UID:        parent.UID,
	}
}

type VolumeMount struct {
	Name      string
	MountPath string
	PVCName   string
}

type DeploymentOpts struct {
	Name        string
	Image       string
	Labels      map[string]string
	Annotations map[string]string
	Ports       []int
	Env         []corev1.EnvVar
	Args        []string
	Volumes     []VolumeMount
	Owner       *metav1.OwnerReference
}

func (c *Client) CreateDeployment(ctx context.Context, namespace string, opts DeploymentOpts) error {
	var ports []corev1.ContainerPort
	for _, p := range opts.Ports {
		ports = append(ports, corev1.ContainerPort{ContainerPort: int32(p)})
	}

	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        opts.Name,
			Namespace:   namespace,
			Labels:      opts.Labels,
			Annotations: opts.Annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr(int32(1)),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": opts.Name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: opts.Labels,
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  opts.Name,
						Image: opts.Image,
						Ports: ports,
						Env:   opts.Env,
						Args:  opts.Args,
					}},
				},
			},
		},
	}
	if opts.Owner != nil {
		dep.OwnerReferences = []metav1.OwnerReference{*opts.Owner}
	}

	for _, v := range opts.Volumes {
		dep.Spec.Template.Spec.Volumes = append(dep.Spec.Template.Spec.Volumes, corev1.Volume{
			Name: v.Name,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: v.PVCName,
				},
			},
		})
		dep.Spec.Template.Spec.Containers[0].VolumeMounts = append(
			dep.Spec.Template.Spec.Containers[0].VolumeMounts,
			corev1.VolumeMount{Name: v.Name, MountPath: v.MountPath},
		)
	}

	_, err := c.cs.AppsV1().Deployments(namespace).Create(ctx, dep, metav1.CreateOptions{})
	return err
}

type ServicePort struct {
	Port       int
	TargetPort int
	NodePort   int // 0 lets the cluster allocate one
	Name       string
}

type ServiceOpts struct {
	Name        string
	AppName     string
	Labels      map[string]string
	Annotations map[string]string
	Ports       []ServicePort
	Owner       *metav1.OwnerReference
}

func (c *Client) CreateService(ctx context.Context, namespace string, opts ServiceOpts) error {
	var ports []corev1.ServicePort
	for _, p := range opts.Ports {
		ports = append(ports, corev1.ServicePort{
			Name:       p.Name,
			Port:       int32(p.Port),
			TargetPort: intstr.FromInt32(int32(p.TargetPort)),
			NodePort:   int32(p.NodePort),
			Protocol:   corev1.ProtocolTCP,
		})
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:        opts.Name,
			Namespace:   namespace,
			Labels:      opts.Labels,
			Annotations: opts.Annotations,
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": opts.AppName},
			Type:     corev1.ServiceTypeNodePort,
			Ports:    ports,
		},
	}
	if opts.Owner != nil {
		svc.OwnerReferences = []metav1.OwnerReference{*opts.Owner}
	}

	_, err := c.cs.CoreV1().Services(namespace).Create(ctx, svc, metav1.CreateOptions{})
	return err
}

func (c *Client) CreatePVC(ctx context.Context, namespace, name, size, storageClass string, labels map[string]string, owner *metav1.OwnerReference) error {
	quantity, err := resource.ParseQuantity(size)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", size, err)
	}
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: quantity,
				},
			},
		},
	}
	if storageClass != "" {
		pvc.Spec.StorageClassName = &storageClass
	}
	if owner != nil {
		pvc.OwnerReferences = []metav1.OwnerReference{*owner}
	}
	_, err = c.cs.CoreV1().PersistentVolumeClaims(namespace).Create(ctx, pvc, metav1.CreateOptions{})
	return err
}

// SetReplicas scales a deployment and reports whether anything changed.
func (c *Client) SetReplicas(ctx context.Context, namespace, name string, replicas int32) (bool, error) {
	dep, err := c.cs.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return false, err
	}
	if dep.Spec.Replicas != nil && *dep.Spec.Replicas == replicas {
		return false, nil
	}
	dep.Spec.Replicas = ptr(replicas)
	_, err = c.cs.AppsV1().Deployments(namespace).Update(ctx, dep, metav1.UpdateOptions{})
	return err == nil, err
}

// DeletePodsForApp removes the current pods of one server without
// touching the deployment, so the cluster recreates them.
func (c *Client) DeletePodsForApp(ctx context.Context, namespace, appName string) error {
	return c.cs.CoreV1().Pods(namespace).DeleteCollection(ctx, metav1.DeleteOptions{}, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s", appName),
	})
}

func (c *Client) DeleteDeployment(ctx context.Context, namespace, name string) error {
	err := c.cs.AppsV1().Deployments(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if k8serrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) DeleteService(ctx context.Context, namespace, name string) error {
	err := c.cs.CoreV1().Services(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if k8serrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) DeletePVC(ctx context.Context, namespace, name string) error {
	err := c.cs.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if k8serrors.IsNotFound(err) {
		return nil
	}
	return err
}

func IsAlreadyExists(err error) bool {
	return k8serrors.IsAlreadyExists(err)
}

func IsNotFound(err error) bool {
	return k8serrors.IsNotFound(err)
}

func ptr[T any](v T) *T { return &v }

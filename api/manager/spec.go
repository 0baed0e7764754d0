package manager

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"

	"wharf/api/config"
	"wharf/api/discovery"
	"wharf/api/k8s"
	"wharf/api/model"
)

// serverSpec is everything the create path materializes for one server:
// the workload, its service, and where the backing volume mounts.
type serverSpec struct {
	deployment k8s.DeploymentOpts
	service    k8s.ServiceOpts
	directory  string
	port       int
}

// specBuilder produces the protocol-specific resource specs. Dispatch
// is by protocol tag; adding a protocol means adding an entry here.
type specBuilder func(req *model.CreateServerRequest, cfg *config.Config) serverSpec

var specBuilders = map[model.Protocol]specBuilder{
	model.ProtocolFTP:  buildFTPSpec,
	model.ProtocolSFTP: buildSFTPSpec,
	model.ProtocolNAS:  buildNASSpec,
}

func buildFTPSpec(req *model.CreateServerRequest, cfg *config.Config) serverSpec {
	dir := req.FTP.Directory
	if dir == "" {
		dir = "/home/" + req.FTP.Username
	}
	spec := baseSpec(req, cfg, dir, 21)
	spec.deployment.Image = cfg.FTPImage
	spec.deployment.Env = []corev1.EnvVar{
		// delfer/alpine-ftp-server user format: name|password|directory
		{Name: "USERS", Value: fmt.Sprintf("%s|%s|%s", req.FTP.Username, req.FTP.Password, dir)},
		{Name: "ADDRESS", Value: "0.0.0.0"},
	}
	return spec
}

func buildSFTPSpec(req *model.CreateServerRequest, cfg *config.Config) serverSpec {
	dir := req.SFTP.Directory
	if dir == "" {
		dir = "/home/" + req.SFTP.Username + "/upload"
	}
	spec := baseSpec(req, cfg, dir, 22)
	spec.deployment.Image = cfg.SFTPImage
	spec.deployment.Env = []corev1.EnvVar{
		// atmoz/sftp user format: name:password:uid:gid:directory
		{Name: "SFTP_USERS", Value: fmt.Sprintf("%s:%s:::upload", req.SFTP.Username, req.SFTP.Password)},
	}
	return spec
}

func buildNASSpec(req *model.CreateServerRequest, cfg *config.Config) serverSpec {
	dir := req.NAS.Directory
	if dir == "" {
		dir = "/share/" + req.NAS.ShareName
	}
	spec := baseSpec(req, cfg, dir, 445)
	spec.deployment.Image = cfg.NASImage

	browse := "yes"
	readonly := "no"
	if req.NAS.ExportOptions == "ro" {
		readonly = "yes"
	}
	// dperson/samba share format: name;path;browse;readonly
	args := []string{"-s", fmt.Sprintf("%s;%s;%s;%s", req.NAS.ShareName, dir, browse, readonly)}
	if req.NAS.Username != "" {
		args = append(args, "-u", fmt.Sprintf("%s;%s", req.NAS.Username, req.NAS.Password))
	}
	spec.deployment.Args = args
	return spec
}

func baseSpec(req *model.CreateServerRequest, cfg *config.Config, dir string, port int) serverSpec {
	labels := map[string]string{
		"managed-by":            "wharf",
		"app":                   req.Name,
		discovery.LabelProtocol: string(req.Protocol),
	}
	annotations := map[string]string{
		discovery.AnnotationDirectory: dir,
		discovery.AnnotationManagedBy: string(model.ManagedByControlPlane),
	}

	return serverSpec{
		directory: dir,
		port:      port,
		deployment: k8s.DeploymentOpts{
			Name:        req.Name,
			Labels:      labels,
			Annotations: annotations,
			Ports:       []int{port},
			Volumes: []k8s.VolumeMount{{
				Name:      "data",
				MountPath: dir,
				PVCName:   pvcName(req.Name),
			}},
		},
		service: k8s.ServiceOpts{
			Name:        req.Name,
			AppName:     req.Name,
			Labels:      labels,
			Annotations: annotations,
			Ports: []k8s.ServicePort{{
				Name:       string(req.Protocol),
				Port:       port,
				TargetPort: port,
				NodePort:   req.ExternalPort,
			}},
		},
	}
}

func pvcName(serverName string) string {
	return serverName + "-data"
}

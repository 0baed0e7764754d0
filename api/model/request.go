package model

import (
	"regexp"
	"strings"
)

var serverNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,40}$`)

// ValidServerName reports whether name is acceptable as a server name.
// Names double as Kubernetes resource names, so the pattern is the
// usual DNS-label subset.
func ValidServerName(name string) bool {
	return serverNameRe.MatchString(name) && !strings.HasSuffix(name, "-")
}

// CreateServerRequest carries everything needed to stand up one dynamic
// server. Protocol selects which of the per-protocol sections applies;
// the others must be left empty. Validated once, consumed once.
type CreateServerRequest struct {
	Name         string   `json:"name"`
	Protocol     Protocol `json:"protocol"`
	ExternalPort int      `json:"externalPort,omitempty"` // 0 = let the cluster pick

	FTP  *FTPConfig  `json:"ftp,omitempty"`
	SFTP *SFTPConfig `json:"sftp,omitempty"`
	NAS  *NASConfig  `json:"nas,omitempty"`
}

// FTPConfig configures an FTP server instance.
type FTPConfig struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Directory string `json:"directory"`
}

// SFTPConfig configures an SFTP server instance.
type SFTPConfig struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Directory string `json:"directory"`
}

// NASConfig configures an SMB share instance.
type NASConfig struct {
	ShareName     string `json:"shareName"`
	Directory     string `json:"directory"`
	ExportOptions string `json:"exportOptions,omitempty"` // e.g. "rw" or "ro"
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
}

const minPasswordLen = 8

var usernameRe = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// Validate checks request shape only. Availability of the name and
// external port against the live cluster is the guard's job.
func (r *CreateServerRequest) Validate() *ValidationResult {
	res := &ValidationResult{Name: r.Name}

	if !ValidServerName(r.Name) {
		res.Add(ValidationFinding{
			Field:    "name",
			Severity: SeverityError,
			Message:  "name must be 2-41 chars of lowercase letters, digits and dashes, starting with a letter or digit",
		})
	}

	switch r.Protocol {
	case ProtocolFTP:
		if r.FTP == nil {
			res.Add(missingSection("ftp"))
			break
		}
		res.checkCredentials(r.FTP.Username, r.FTP.Password)
	case ProtocolSFTP:
		if r.SFTP == nil {
			res.Add(missingSection("sftp"))
			break
		}
		res.checkCredentials(r.SFTP.Username, r.SFTP.Password)
	case ProtocolNAS:
		if r.NAS == nil {
			res.Add(missingSection("nas"))
			break
		}
		if r.NAS.ShareName == "" {
			res.Add(ValidationFinding{Field: "nas.shareName", Severity: SeverityError, Message: "share name is required"})
		}
		if r.NAS.ExportOptions != "" && r.NAS.ExportOptions != "rw" && r.NAS.ExportOptions != "ro" {
			res.Add(ValidationFinding{Field: "nas.exportOptions", Severity: SeverityError, Message: `export options must be "rw" or "ro"`})
		}
		if r.NAS.Username != "" {
			res.checkCredentials(r.NAS.Username, r.NAS.Password)
		}
	default:
		res.Add(ValidationFinding{
			Field:    "protocol",
			Severity: SeverityError,
			Message:  "protocol must be one of: ftp, sftp, nas",
		})
	}

	return res
}

func (res *ValidationResult) checkCredentials(username, password string) {
	if !usernameRe.MatchString(username) {
		res.Add(ValidationFinding{Field: "username", Severity: SeverityError, Message: "invalid username"})
	}
	if len(password) < minPasswordLen {
		res.Add(ValidationFinding{Field: "password", Severity: SeverityError, Message: "password must be at least 8 characters"})
	}
}

func missingSection(name string) ValidationFinding {
	return ValidationFinding{
		Field:    name,
		Severity: SeverityError,
		Message:  "missing " + name + " configuration section",
	}
}

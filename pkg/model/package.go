package model

// PackageEntry is one installed package as reported by a backend.
type PackageEntry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
	Manager string `json:"manager"`
	// ID is the backend's own identifier when it differs from Name (winget).
	ID string `json:"id,omitempty"`
}

// PackageStatusUnknown is reported when a backend gives no status.
const PackageStatusUnknown = "unknown"

// UninstallResult is what a backend reports for one uninstall.
type UninstallResult struct {
	Success    bool   `json:"success"`
	Package    string `json:"package"`
	Force      bool   `json:"force"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"returncode"`
}

// ManagerInfo describes a detected backend.
type ManagerInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// Manifest is a backend's package list stamped with generation time.
type Manifest struct {
	Manager     string         `json:"manager"`
	GeneratedAt string         `json:"generated_at"`
	Packages    []PackageEntry `json:"packages"`
}

// CapabilityResult is the answer of an optional backend capability.
// Supported=false means the backend does not implement it.
type CapabilityResult struct {
	Manager   string `json:"manager"`
	Package   string `json:"package,omitempty"`
	Supported bool   `json:"supported"`
	Data      any    `json:"data,omitempty"`
	Format    string `json:"format,omitempty"`
	Message   string `json:"message,omitempty"`
}

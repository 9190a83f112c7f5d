// Package report defines the wire shape of a finished analysis, consumed by
// reporting front ends and external storage.
package report

// FileOperation is a single observed file-system action inside the guest.
type FileOperation struct {
	Action    string `json:"action"` // open, create, unlink, rename, write
	Path      string `json:"path"`
	Timestamp string `json:"timestamp,omitempty"`
}

// NetworkConnection is an observed outbound connection attempt.
type NetworkConnection struct {
	Protocol      string `json:"protocol"` // tcp, udp, unix
	DestinationIP string `json:"destination_ip"`
	Port          int    `json:"port"`
}

// ProcessCreation is an observed process spawn.
type ProcessCreation struct {
	Name      string   `json:"process_name"`
	Arguments []string `json:"arguments,omitempty"`
}

// Report is the record produced for every job that reaches a terminal state.
type Report struct {
	Filename       string  `json:"filename"`
	Classification string  `json:"classification"` // Safe | Suspicious | Unknown
	Confidence     float64 `json:"confidence"`
	Malicious      bool    `json:"malicious"`
	Summary        string  `json:"summary"`
	DurationMs     int64   `json:"duration_ms"`

	FileOperations     []FileOperation     `json:"file_operations"`
	NetworkConnections []NetworkConnection `json:"network_connections"`
	ProcessCreations   []ProcessCreation   `json:"process_creations"`
}

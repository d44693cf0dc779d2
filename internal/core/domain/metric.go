package domain

import "time"

// MetricRecord is one structured outcome record per node-check attempt.
type MetricRecord struct {
	RequestID      string    `json:"request_id"`
	ApplicationID  string    `json:"application_id"`
	AppPublicKey   string    `json:"application_public_key"`
	BlockchainID   string    `json:"blockchain_id"`
	ServiceNode    string    `json:"service_node"`
	RelayStart     time.Time `json:"relay_start"`
	ResultCode     int       `json:"result_code"`
	Delivered      bool      `json:"delivered"`
	Method         CheckKind `json:"method"`
	Error          string    `json:"error,omitempty"`
	Bytes          int       `json:"bytes"`
	SessionKey     string    `json:"session_key"`
	Origin         string    `json:"origin"`
	ElapsedSeconds float64   `json:"elapsed_time"`
}

// Result codes reported to the metrics sink.
const (
	ResultOK     = 200
	ResultFailed = 500
)

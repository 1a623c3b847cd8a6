package api

import (
	"github.com/mattjoyce/crossbard/internal/action"
	"github.com/mattjoyce/crossbard/internal/producer"
	"github.com/mattjoyce/crossbard/internal/runlog"
	"github.com/mattjoyce/crossbard/internal/scheduler"
	"github.com/mattjoyce/crossbard/internal/store"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Producers     int    `json:"producers"`
	Running       int    `json:"running"`
}

// ProducerSummary is one row of GET /v1/producers.
type ProducerSummary struct {
	Spec    producer.Spec     `json:"spec"`
	Status  *scheduler.Status `json:"status,omitempty"`
	HasData bool              `json:"has_data"`
	Stale   bool              `json:"stale"`
	Text    string            `json:"text,omitempty"`
}

// ProducerDetail is returned by GET /v1/producers/{id}.
type ProducerDetail struct {
	Spec   producer.Spec     `json:"spec"`
	Status *scheduler.Status `json:"status,omitempty"`
	Record *store.Record     `json:"record,omitempty"`
	Runs   []runlog.Entry    `json:"runs"`
}

// RefreshResponse is returned by POST /v1/producers/{id}/refresh.
type RefreshResponse struct {
	ProducerID string `json:"producer_id"`
	Status     string `json:"status"`
}

// ActionResponse is returned by POST /v1/producers/{id}/actions/{index}.
// Error carries a failure that happened after the action started.
type ActionResponse struct {
	action.Outcome
	Error string `json:"error,omitempty"`
}

// DiscoveryIssue is one entry discovery skipped.
type DiscoveryIssue struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// DiscoverResponse is returned by POST /v1/discover.
type DiscoverResponse struct {
	Producers int              `json:"producers"`
	Delta     producer.Delta   `json:"delta"`
	Errors    []DiscoveryIssue `json:"errors"`
}

package models

import "time"

// Resource is a node of the discovered topology.
type Resource struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	ResourceType  string            `json:"resource_type"`
	CloudProvider string            `json:"cloud_provider,omitempty"`
	Region        string            `json:"region,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
}

// DisplayName falls back to the identifier when no name is recorded.
func (r Resource) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// DependencyEdge is a directed DEPENDS_ON relationship: Source depends on Target.
type DependencyEdge struct {
	SourceID   string `json:"source_id"`
	SourceName string `json:"source_name"`
	TargetID   string `json:"target_id"`
	TargetName string `json:"target_name"`
	Category   string `json:"category,omitempty"`
}

// DeploymentEvent records a DEPLOYED_TO relationship onto a resource.
type DeploymentEvent struct {
	ID           string    `json:"id"`
	ResourceID   string    `json:"resource_id"`
	ResourceName string    `json:"resource_name"`
	Version      string    `json:"version"`
	DeployedBy   string    `json:"deployed_by,omitempty"`
	Status       string    `json:"status,omitempty"`
	DeployedAt   time.Time `json:"deployed_at"`
}

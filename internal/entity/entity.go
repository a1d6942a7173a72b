// Package entity defines the persistent data model shared by the resolver,
// the stores, and the writers: connections, deployments, virtual keys,
// projects, their link rows, per-window limits, and the request log row.
package entity

import (
	"time"

	"github.com/google/uuid"
)

// Access controls deployment visibility.
type Access string

const (
	AccessPrivate Access = "private"
	AccessPublic  Access = "public"
)

// Strategy selects the load-balancing policy for a deployment.
type Strategy string

const (
	StrategyRoundRobin               Strategy = "round_robin"
	StrategyWeightedRoundRobin       Strategy = "weighted_round_robin"
	StrategyLeastConnections         Strategy = "least_connections"
	StrategyWeightedLeastConnections Strategy = "weighted_least_connections"
)

// Connection is one upstream credential/endpoint. APIKey holds the decrypted
// key material; it is populated at load time and must never be logged.
type Connection struct {
	ID      uuid.UUID
	Variant ProviderVariant
	APIKey  string

	// Prices are USD per single token; cost = in·InputTokenPrice +
	// out·OutputTokenPrice.
	InputTokenPrice  float64
	OutputTokenPrice float64

	Limits Limits
}

// Deployment is a logical, client-visible model name routing over a weighted
// set of connections. Connections holds ConnectionDeployment ids; the rows
// themselves are bulk-loaded by the resolver.
type Deployment struct {
	ID          uuid.UUID
	Name        string
	Access      Access
	Strategy    Strategy
	Connections []uuid.UUID
	Limits      Limits
}

// ConnectionDeployment links a Deployment to a Connection with a weight.
// A zero total weight degrades weighted_round_robin into plain round_robin.
type ConnectionDeployment struct {
	ID           uuid.UUID
	DeploymentID uuid.UUID
	ConnectionID uuid.UUID
	Weight       uint16
}

// VirtualKey is the client-presented credential. ID is derived from the
// plaintext key with UUIDv5 so lookups need no table scan.
type VirtualKey struct {
	ID        uuid.UUID
	Alias     string
	Blocked   bool
	ProjectID uuid.UUID
	Limits    Limits
}

// VirtualKeyDeployment authorizes a virtual key for a deployment.
type VirtualKeyDeployment struct {
	VirtualKeyID uuid.UUID
	DeploymentID uuid.UUID
}

// Project is the quota-bearing container above virtual keys.
type Project struct {
	ID     uuid.UUID
	Name   string
	Limits Limits
}

// RequestLog is one row per dispatch attempt. Attempts of the same client
// request share RequestID and carry increasing AttemptNumber starting at 0.
type RequestLog struct {
	ID            uuid.UUID
	RequestID     uuid.UUID
	AttemptNumber int

	VirtualKeyID uuid.UUID
	ProjectID    uuid.UUID
	DeploymentID uuid.UUID
	ConnectionID uuid.UUID

	InputTokens  int64
	OutputTokens int64
	Cost         float64

	HTTPStatusCode int
	Error          string

	RequestTS  time.Time
	ResponseTS time.Time

	Method   string
	Path     string
	Provider string

	// Denormalized for cheap analytics.
	DeploymentName  string
	ProjectName     string
	VirtualKeyAlias string
}

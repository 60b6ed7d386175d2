package models

import "time"

// PoolStatus represents the claim state of a pre-warmed sandbox.
type PoolStatus string

const (
	PoolStatusWarming PoolStatus = "warming"
	PoolStatusReady   PoolStatus = "ready"
	PoolStatusClaimed PoolStatus = "claimed"
	PoolStatusExpired PoolStatus = "expired"
)

// PoolEntry is a pre-warmed, unclaimed sandbox kept ready to cut
// cold-start latency. Exactly one claimant may move it ready -> claimed.
type PoolEntry struct {
	ID         string
	Template   string
	SandboxID  string
	Endpoint   string
	Status     PoolStatus
	ClaimantID string
	CreatedAt  time.Time
	ReadyAt    *time.Time
	ExpiresAt  *time.Time
	ClaimedAt  *time.Time
}

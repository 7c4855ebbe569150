// Package zipcodes holds the zipcode master data model and the epoch
// selection algorithm. The selector is pure: given the same inputs and
// secret it always produces the same assignment set and nonce.
package zipcodes

import (
	"time"
)

// MarketTier buckets zipcodes by market strength.
type MarketTier string

const (
	TierPremium  MarketTier = "premium"
	TierStandard MarketTier = "standard"
	TierEmerging MarketTier = "emerging"
)

// EpochStatus is the lifecycle state of an epoch.
type EpochStatus string

const (
	StatusPending   EpochStatus = "pending"
	StatusActive    EpochStatus = "active"
	StatusCompleted EpochStatus = "completed"
	StatusArchived  EpochStatus = "archived"
)

// Zipcode is a master table row.
type Zipcode struct {
	Zipcode          string
	State            string
	City             string
	County           string
	Population       int
	MedianHomeValue  int
	ExpectedListings int
	MarketTier       MarketTier
	LastAssigned     *time.Time
	AssignmentCount  int
	BaseWeight       float64
	DataUpdatedAt    *time.Time
	IsActive         bool
}

// Epoch is a four hour assignment window on the UTC grid.
type Epoch struct {
	ID               string
	Start            time.Time
	End              time.Time
	Nonce            string
	TargetListings   int
	TolerancePercent int
	Status           EpochStatus
	SelectionSeed    int64
	AlgorithmVersion string
	Degraded         bool
}

// Assignment is one zipcode committed to an epoch.
type Assignment struct {
	EpochID          string
	Zipcode          string
	ExpectedListings int
	State            string
	City             string
	County           string
	MarketTier       MarketTier
	SelectionWeight  float64
	IsHoneypot       bool
	LastAssigned     *time.Time
}

// ValidatorResult is the audit record of a validator's epoch upload.
type ValidatorResult struct {
	EpochID         string
	ValidatorHotkey string
	ValidationTime  time.Time
	MinersEvaluated int
	TotalListings   int
	Top3MinersJSON  string
	UploadPath      string
	Status          string
}

// EpochIDFormat renders epoch identifiers as YYYY-MM-DD-HH:MM.
const EpochIDFormat = "2006-01-02-15:04"

// EpochID derives the identifier for an epoch starting at t.
func EpochID(start time.Time) string {
	return start.UTC().Format(EpochIDFormat)
}

package domain

import (
	"time"
)

// AgentTypeID identifies a kind of AI agent persona.
type AgentTypeID string

// Known agent types.
const (
	AgentTypeSales              AgentTypeID = "sales_agent"
	AgentTypeCustomerService    AgentTypeID = "customer_service"
	AgentTypeWebinar            AgentTypeID = "webinar"
	AgentTypeTextbook           AgentTypeID = "textbook"
	AgentTypeFlashcards         AgentTypeID = "flashcards"
	AgentTypeAlgoMonthly        AgentTypeID = "algo_monthly"
	AgentTypeCCTA               AgentTypeID = "ccta"
	AgentTypeLeadNurture        AgentTypeID = "lead_nurture"
	AgentTypeInfluencerOutreach AgentTypeID = "influencer_outreach"
)

// AgentType is a registry entry: a fixed priority weight and expiration policy.
type AgentType struct {
	ID             AgentTypeID `json:"id" yaml:"id"`
	BasePriority   int         `json:"base_priority" yaml:"base_priority"`
	ExpirationDays int         `json:"expiration_days" yaml:"expiration_days"`
}

// AgentStatus is the lifecycle status of a ProductAgent.
type AgentStatus string

const (
	AgentStatusActive    AgentStatus = "active"
	AgentStatusExpired   AgentStatus = "expired"
	AgentStatusConverted AgentStatus = "converted"
	AgentStatusChurned   AgentStatus = "churned"
	AgentStatusPaused    AgentStatus = "paused"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusExpired, AgentStatusConverted, AgentStatusChurned, AgentStatusPaused:
		return true
	}
	return false
}

// ProductAgent is one assignment of an agent type to one contact.
type ProductAgent struct {
	ID             string         `json:"id"`
	ContactID      string         `json:"contact_id"`
	ProductType    AgentTypeID    `json:"product_type"`
	ProductID      *string        `json:"product_id,omitempty"`
	AgentContext   map[string]any `json:"agent_context"`
	AssignedDate   time.Time      `json:"assigned_date"`
	ExpirationDate time.Time      `json:"expiration_date"`
	Status         AgentStatus    `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsEligible reports whether the agent may take part in arbitration at now.
// An agent past its expiration date is ineligible even while its stored
// status still reads active.
func (a *ProductAgent) IsEligible(now time.Time) bool {
	if a == nil {
		return false
	}
	return a.Status == AgentStatusActive && now.Before(a.ExpirationDate)
}

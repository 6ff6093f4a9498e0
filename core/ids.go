package core

import "github.com/google/uuid"

// AgentID uniquely identifies an agent within a server run.
type AgentID string

// GuidelineID uniquely identifies a guideline within its owning agent.
type GuidelineID string

// SessionID uniquely identifies a conversation session.
type SessionID string

// NewID generates a new unique identifier.
//
// This function creates a UUID-based unique identifier used for agents,
// guidelines and sessions throughout the framework.
func NewID() string { return uuid.NewString() }

// NewAgentID returns a fresh AgentID.
func NewAgentID() AgentID { return AgentID(NewID()) }

// NewGuidelineID returns a fresh GuidelineID.
func NewGuidelineID() GuidelineID { return GuidelineID(NewID()) }

// NewSessionID returns a fresh SessionID.
func NewSessionID() SessionID { return SessionID(NewID()) }

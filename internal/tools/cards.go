package tools

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Cost and reliability tiers carried on every card; the planner surfaces
// them so the model can weigh tool choice.
const (
	TierLow    = "low"
	TierMedium = "medium"
	TierHigh   = "high"
)

// Card is the registration record for one tool: schema, routing metadata,
// and an integrity seal. Immutable once registered.
type Card struct {
	Name            string                 `json:"name"`
	Version         string                 `json:"version"`
	Description     string                 `json:"description"`
	InputSchema     map[string]interface{} `json:"input_schema"`
	CostTier        string                 `json:"cost_tier"`
	ReliabilityTier string                 `json:"reliability_tier"`
	BestFor         string                 `json:"best_for,omitempty"`
	AvoidWhen       string                 `json:"avoid_when,omitempty"`
	SideEffects     []string               `json:"side_effects,omitempty"`
	Origin          string                 `json:"origin,omitempty"`
	Checksum        string                 `json:"checksum,omitempty"`
	Signature       string                 `json:"signature,omitempty"`
}

// ComputeChecksum returns a deterministic hash of the card payload
// (excluding the seal fields).
func ComputeChecksum(c Card) (string, error) {
	payload := map[string]interface{}{
		"name":             c.Name,
		"version":          c.Version,
		"description":      c.Description,
		"input_schema":     c.InputSchema,
		"cost_tier":        c.CostTier,
		"reliability_tier": c.ReliabilityTier,
		"best_for":         c.BestFor,
		"avoid_when":       c.AvoidWhen,
		"side_effects":     c.SideEffects,
		"origin":           c.Origin,
	}
	normalized, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// SignCard computes an HMAC signature over the card checksum.
func SignCard(c Card, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret is empty")
	}
	checksum, err := ComputeChecksum(c)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Seal fills in the checksum and, when a secret is configured, the
// signature. Cards built in-process and cards imported from tool servers go
// through the same seal so the registry applies one validation path.
func Seal(c Card, secret string) (Card, error) {
	checksum, err := ComputeChecksum(c)
	if err != nil {
		return Card{}, err
	}
	c.Checksum = checksum
	if secret != "" {
		sig, err := SignCard(c, secret)
		if err != nil {
			return Card{}, err
		}
		c.Signature = sig
	}
	return c, nil
}

func validateSignature(c Card, secret string) error {
	if secret == "" {
		return nil
	}
	expected, err := SignCard(c, secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(c.Signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// validateSchema rejects malformed cards at registration time so calls
// never hit an undeclared contract.
func validateSchema(c Card) error {
	if c.Name == "" {
		return fmt.Errorf("card has no name")
	}
	if c.InputSchema == nil {
		return fmt.Errorf("card %s has no input schema", c.Name)
	}
	if t, _ := c.InputSchema["type"].(string); t != "object" {
		return fmt.Errorf("card %s input schema type must be object", c.Name)
	}
	return nil
}

// ObjectSchema is a convenience builder for the standard schema shape.
func ObjectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

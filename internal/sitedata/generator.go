package sitedata

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nestassociates/agent-platform/internal/models"
)

// SiteData is the JSON document baked into an agent microsite build.
// Property listings and editorial content are assembled by their own
// pipelines and merged at build time by the site itself.
type SiteData struct {
	Agent       AgentData `json:"agent"`
	GeneratedAt string    `json:"generated_at"`
}

type AgentData struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	Phone     *string `json:"phone"`
	Bio       *string `json:"bio"`
	Subdomain string  `json:"subdomain"`
}

// Generate composes the site-data document for an agent. Only agents with a
// complete profile reach the build queue, so a missing subdomain is an
// infrastructure error, not a user one.
func Generate(agent models.Agent) ([]byte, error) {
	if agent.Subdomain == "" {
		return nil, fmt.Errorf("agent %s has no subdomain", agent.ID)
	}
	doc := SiteData{
		Agent: AgentData{
			ID:        agent.ID,
			Name:      agent.DisplayName,
			Email:     agent.Email,
			Phone:     agent.Phone,
			Bio:       agent.Bio,
			Subdomain: agent.Subdomain,
		},
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal site data: %w", err)
	}
	return data, nil
}

// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"strings"
)

// PersonaConfig is one advisor persona within a council file.
type PersonaConfig struct {
	// Model is the advisor's preferred backend id; the router may assign
	// a different one per question.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Role is the display name, e.g. "Skeptical Engineer". The advisor id
	// is derived from it (lowercased, spaces to dashes).
	Role string `yaml:"role" json:"role"`

	// Prompt is the system instruction injected in Stage 1.
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// AdvisorID derives the stable advisor id from the role name.
func (p *PersonaConfig) AdvisorID() string {
	id := strings.ToLower(p.Role)
	id = strings.ReplaceAll(id, " ", "-")
	id = strings.ReplaceAll(id, "'", "")
	return id
}

// RubricCriterion is one weighted evaluation criterion.
type RubricCriterion struct {
	Name        string  `yaml:"name" json:"name"`
	Weight      float64 `yaml:"weight" json:"weight"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
}

// RoutingConfig bounds panel selection for a council.
type RoutingConfig struct {
	MinAdvisors     int `yaml:"min_advisors,omitempty" json:"min_advisors,omitempty"`
	MaxAdvisors     int `yaml:"max_advisors,omitempty" json:"max_advisors,omitempty"`
	DefaultAdvisors int `yaml:"default_advisors,omitempty" json:"default_advisors,omitempty"`
}

// CouncilConfig is one council definition (councils/<id>.yaml).
type CouncilConfig struct {
	// ID is the file stem; populated by the loader.
	ID string `yaml:"-" json:"id"`

	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Personas    []PersonaConfig   `yaml:"personas" json:"personas"`
	Rubric      []RubricCriterion `yaml:"rubric,omitempty" json:"rubric,omitempty"`
	Routing     RoutingConfig     `yaml:"routing,omitempty" json:"routing,omitempty"`
}

// SetDefaults applies routing defaults relative to the persona count.
func (c *CouncilConfig) SetDefaults() {
	n := len(c.Personas)
	if c.Routing.MinAdvisors == 0 {
		c.Routing.MinAdvisors = min(3, n)
	}
	if c.Routing.MaxAdvisors == 0 {
		c.Routing.MaxAdvisors = n
	}
	if c.Routing.DefaultAdvisors == 0 {
		c.Routing.DefaultAdvisors = n
	}
}

// Validate checks the council invariants: unique advisor ids, unique rubric
// names, valid weights, and a feasible routing policy.
func (c *CouncilConfig) Validate() error {
	if len(c.Personas) == 0 {
		return fmt.Errorf("council %q: at least one persona is required", c.ID)
	}

	ids := make(map[string]bool, len(c.Personas))
	for i := range c.Personas {
		id := c.Personas[i].AdvisorID()
		if id == "" {
			return fmt.Errorf("council %q: persona %d has no role", c.ID, i)
		}
		if ids[id] {
			return fmt.Errorf("council %q: duplicate advisor id %q", c.ID, id)
		}
		ids[id] = true
	}

	names := make(map[string]bool, len(c.Rubric))
	for _, r := range c.Rubric {
		if r.Name == "" {
			return fmt.Errorf("council %q: rubric criterion with empty name", c.ID)
		}
		if names[r.Name] {
			return fmt.Errorf("council %q: duplicate rubric criterion %q", c.ID, r.Name)
		}
		names[r.Name] = true
		if r.Weight <= 0 || r.Weight > 1 {
			return fmt.Errorf("council %q: rubric %q weight %v outside (0,1]", c.ID, r.Name, r.Weight)
		}
	}

	r := c.Routing
	n := len(c.Personas)
	if r.MinAdvisors < 1 || r.MinAdvisors > r.DefaultAdvisors ||
		r.DefaultAdvisors > r.MaxAdvisors || r.MaxAdvisors > n {
		return fmt.Errorf("council %q: routing policy {min:%d default:%d max:%d} infeasible for %d personas",
			c.ID, r.MinAdvisors, r.DefaultAdvisors, r.MaxAdvisors, n)
	}

	return nil
}

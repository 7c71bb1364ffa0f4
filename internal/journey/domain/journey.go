package domain

import "time"

// Persona is a generated customer persona.
type Persona struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Age        string   `json:"age"`
	Occupation string   `json:"occupation"`
	Goals      []string `json:"goals"`
	PainPoints []string `json:"pain_points"`
	Quote      string   `json:"quote"`
	Avatar     string   `json:"avatar,omitempty"`
}

// Phase is one phase of the generated customer journey.
type Phase struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Actions       []string `json:"actions"`
	Touchpoints   []string `json:"touchpoints"`
	Emotions      string   `json:"emotions"`
	PainPoints    []string `json:"pain_points"`
	Opportunities []string `json:"opportunities"`
	CustomerQuote string   `json:"customer_quote"`
}

// Insights carries the cross-cutting findings of the generation run.
type Insights struct {
	KeyFindings     string   `json:"key_findings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	FullAnalysis    string   `json:"full_analysis,omitempty"`
}

// JourneyMap is the structured result of a completed job.
type JourneyMap struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Industry  string    `json:"industry"`
	CreatedAt time.Time `json:"created_at"`
	Personas  []Persona `json:"personas"`
	Phases    []Phase   `json:"phases"`
	Insights  *Insights `json:"insights,omitempty"`
}

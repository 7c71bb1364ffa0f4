package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/journiapp/journi-be/internal/journey/domain"
)

// ParseResult converts the QA stage's output into a structured journey map.
// The model is instructed to emit JSON; when it wraps the JSON in prose or a
// code fence, the first balanced object is extracted. If no usable JSON is
// found the result falls back to a skeleton built from the requested phases,
// with the raw output preserved in the insights.
func ParseResult(output string, form domain.FormData) *domain.JourneyMap {
	jm := extractJourneyMap(output)
	if jm == nil {
		jm = fallbackJourneyMap(output, form)
	}

	if jm.ID == "" {
		jm.ID = uuid.New().String()
	}
	if jm.Title == "" {
		jm.Title = defaultTitle(form)
	}
	if jm.Industry == "" {
		jm.Industry = form.Industry
	}
	if jm.CreatedAt.IsZero() {
		jm.CreatedAt = time.Now().UTC()
	}
	if jm.Insights == nil {
		jm.Insights = &domain.Insights{FullAnalysis: output}
	}
	return jm
}

func defaultTitle(form domain.FormData) string {
	if form.Title != "" {
		return form.Title
	}
	industry := form.Industry
	if industry == "" {
		industry = "Business"
	}
	return fmt.Sprintf("%s Customer Journey", industry)
}

// extractJourneyMap tries to decode a journey map object from the output.
func extractJourneyMap(output string) *domain.JourneyMap {
	candidate := firstJSONObject(output)
	if candidate == "" {
		return nil
	}

	var jm domain.JourneyMap
	if err := json.Unmarshal([]byte(candidate), &jm); err != nil {
		return nil
	}
	if len(jm.Personas) == 0 && len(jm.Phases) == 0 {
		return nil
	}
	return &jm
}

// firstJSONObject returns the first balanced top-level JSON object in s,
// skipping markdown code fences. Braces inside string literals are ignored.
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// fallbackJourneyMap builds a deterministic skeleton from the form when the
// model output cannot be decoded.
func fallbackJourneyMap(output string, form domain.FormData) *domain.JourneyMap {
	phases := make([]domain.Phase, 0, len(form.JourneyPhases))
	for i, name := range form.JourneyPhases {
		phases = append(phases, domain.Phase{
			ID:            strconv.Itoa(i + 1),
			Name:          name,
			Actions:       []string{fmt.Sprintf("Generated action for %s", name)},
			Touchpoints:   []string{fmt.Sprintf("Touchpoint for %s", name)},
			Emotions:      "neutral",
			PainPoints:    []string{fmt.Sprintf("Pain point identified for %s", name)},
			Opportunities: []string{fmt.Sprintf("Opportunity identified for %s", name)},
			CustomerQuote: fmt.Sprintf("Generated quote for the %s phase", name),
		})
	}

	personas := make([]domain.Persona, 0, len(form.TargetPersonas))
	for i, name := range form.TargetPersonas {
		personas = append(personas, domain.Persona{
			ID:         strconv.Itoa(i + 1),
			Name:       name,
			Age:        "30-45",
			Occupation: "Professional",
			Goals:      []string{"Achieve business objectives"},
			PainPoints: []string{"Complex processes"},
			Quote:      "Generated from your business context",
		})
	}
	if len(personas) == 0 {
		personas = append(personas, domain.Persona{
			ID:         "1",
			Name:       "Generated Persona",
			Age:        "30-45",
			Occupation: "Professional",
			Goals:      []string{"Achieve business objectives"},
			PainPoints: []string{"Complex processes"},
			Quote:      "Generated from your business context",
		})
	}

	return &domain.JourneyMap{
		Title:    defaultTitle(form),
		Industry: form.Industry,
		Personas: personas,
		Phases:   phases,
		Insights: &domain.Insights{FullAnalysis: output},
	}
}

package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/journiapp/journi-be/internal/journey/domain"
)

// Stage identifies one step of the fixed 8-step generation pipeline.
type Stage struct {
	// Number is the 1-based position in the pipeline.
	Number int
	// Name is the short stage name shown in progress events.
	Name string
	// Message is the progress message published when the stage starts.
	Message string
	// Instruction is the system-level task description handed to the model.
	Instruction string
}

// Stages is the fixed pipeline order. Each stage receives the form data plus
// the accumulated outputs of all prior stages.
var Stages = []Stage{
	{1, "Context Analysis", "Analyzing business context and goals", "Analyze the business context, industry landscape, and stated goals. Produce a concise context brief."},
	{2, "Persona Creation", "Creating detailed customer personas", "Create detailed customer personas for the target audience. Include name, age range, occupation, goals, pain points, and a representative quote for each."},
	{3, "Journey Mapping", "Mapping customer journey phases", "Map the customer journey across the requested phases. For each phase list actions, touchpoints, and dominant emotions."},
	{4, "Research Integration", "Integrating uploaded research data", "Integrate any supplied research material into the journey, correcting assumptions where the research contradicts them."},
	{5, "Quote Generation", "Generating authentic customer quotes", "Generate authentic-sounding customer quotes for each persona and phase, grounded in the context and research."},
	{6, "Emotion Validation", "Validating emotions and pain points", "Validate the emotions and pain points assigned to each phase for internal consistency and plausibility."},
	{7, "Output Formatting", "Formatting professional outputs", "Format the accumulated analysis into a single JSON journey map with personas, phases, and insights."},
	{8, "Quality Assurance", "Final quality check and refinement", "Perform a final quality check on the formatted journey map and output the corrected JSON only."},
}

// Invoker executes one pipeline stage. Implementations must honour ctx and
// return one of the domain failure sentinels (wrapped is fine) for
// classifiable provider errors.
type Invoker interface {
	Invoke(ctx context.Context, stage Stage, accumulated string) (string, error)
}

// BuildPrompt renders the user prompt for a stage: the form snapshot followed
// by everything produced so far.
func BuildPrompt(stage Stage, form domain.FormData, accumulated string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Industry: %s\n", form.Industry)
	if form.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", form.Title)
	}
	fmt.Fprintf(&b, "Business goals: %s\n", form.BusinessGoals)
	fmt.Fprintf(&b, "Target personas: %s\n", strings.Join(form.TargetPersonas, ", "))
	fmt.Fprintf(&b, "Journey phases: %s\n", strings.Join(form.JourneyPhases, ", "))
	if form.AdditionalContext != "" {
		fmt.Fprintf(&b, "Additional context: %s\n", form.AdditionalContext)
	}
	if accumulated != "" {
		b.WriteString("\n--- Accumulated analysis from previous steps ---\n")
		b.WriteString(accumulated)
	}
	return b.String()
}

// Accumulate appends a completed stage's output to the running context handed
// to subsequent stages.
func Accumulate(accumulated string, stage Stage, output string) string {
	var b strings.Builder
	b.WriteString(accumulated)
	if accumulated != "" {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "## Step %d: %s\n%s", stage.Number, stage.Name, output)
	return b.String()
}

package pipeline

import (
	"fmt"
	"strings"

	"github.com/dshills/deepthink-go/pipeline/model"
)

// Prompt builders for each stage. Prompts are intentionally compact; the
// pipeline treats all model output as opaque text that may parse as JSON
// per stage contract.

const systemPreamble = "You are a rigorous reasoning engine. Be precise and concrete. " +
	"When asked for JSON, reply with a single JSON object and nothing else."

// messages assembles the standard message list for a stage call: system
// preamble, optional conversation and search context, then the stage prompt.
func (r *Run) messages(prompt string) []model.Message {
	msgs := []model.Message{{Role: model.RoleSystem, Content: systemPreamble}}
	if r.Context != "" {
		msgs = append(msgs, model.Message{Role: model.RoleUser, Content: "Conversation context:\n" + r.Context})
	}
	if r.SearchContext != "" {
		msgs = append(msgs, model.Message{Role: model.RoleUser, Content: r.SearchContext})
	}
	msgs = append(msgs, model.Message{Role: model.RoleUser, Content: prompt})
	return msgs
}

func classifyPrompt(input string) string {
	return fmt.Sprintf(`Classify this question before answering it.

Question: %s

Reply with JSON: {"complexity": "simple"|"medium"|"complex", "domains": [...], "needs_search": bool, "reasoning": "..."}`, input)
}

func instantPrompt(input string) string {
	return fmt.Sprintf("Answer directly and completely:\n\n%s", input)
}

func decomposePrompt(input string) string {
	return fmt.Sprintf(`Break this problem into its essential subproblems.

Problem: %s

Reply with JSON: {"subproblems": ["..."], "approach": "..."}`, input)
}

func solvePrompt(input string, d Decomposition) string {
	return fmt.Sprintf(`Solve this problem, working through each subproblem in order.

Problem: %s

Approach: %s
Subproblems:
%s`, input, d.Approach, bulleted(d.Subproblems))
}

func critiquePrompt(input, solution string) string {
	return fmt.Sprintf(`Critique this solution adversarially. Find real flaws and perspectives it missed.

Problem: %s

Solution:
%s

Reply with JSON: {"issues": ["..."], "missing_angles": ["..."], "strengths": ["..."]}`, input, solution)
}

func refinePrompt(input, solution string, crit Critique) string {
	return fmt.Sprintf(`Revise this solution to address every issue raised.

Problem: %s

Solution:
%s

Issues:
%s

Produce the improved answer in full.`, input, solution, bulleted(crit.Issues))
}

func confidencePrompt(input, answer string) string {
	return fmt.Sprintf(`Assess how confident you are that this answer is correct and complete.

Problem: %s

Answer:
%s

Reply with JSON: {"score": 0-100, "justification": "..."}`, input, answer)
}

func ultraDecomposePrompt(input string) string {
	return fmt.Sprintf(`Produce an exhaustive decomposition of this problem: subproblems, hidden assumptions, and failure modes a careless solver would hit.

Problem: %s

Reply with JSON: {"subproblems": ["..."], "approach": "..."}`, input)
}

// solverPerspectives are the three independent angles of the ultra fan-out.
var solverPerspectives = []struct {
	ID    string
	Frame string
}{
	{"solver-a", "first-principles analysis: derive the answer from fundamentals, showing each step"},
	{"solver-b", "adversarial edge-case analysis: hunt for boundary conditions and counterexamples before committing to an answer"},
	{"solver-c", "practical synthesis: favor the interpretation a domain expert would act on, noting tradeoffs"},
}

func perspectivePrompt(input string, d Decomposition, frame string) string {
	return fmt.Sprintf(`Solve this problem using %s.

Problem: %s

Decomposition:
%s`, frame, input, bulleted(d.Subproblems))
}

func skepticPrompt(input string, solutions []string) string {
	return fmt.Sprintf(`Three independent solutions follow. Attack them: find contradictions between them, unsupported claims, and errors.

Problem: %s

%s`, input, numberedSections("Solution", solutions))
}

func verifyPrompt(input string, solutions []string, skeptic string) string {
	return fmt.Sprintf(`Verify these solutions against each other and against the skeptic's review.

Problem: %s

%s

Skeptic's review:
%s

Reply with JSON: {"consistent": bool, "concerns": ["..."]}`, input, numberedSections("Solution", solutions), skeptic)
}

func synthesizePrompt(input string, solutions []string, skeptic string, ver Verification) string {
	return fmt.Sprintf(`Synthesize a single definitive answer from these solutions, resolving the noted concerns.

Problem: %s

%s

Skeptic's review:
%s

Verification concerns:
%s

Produce the final answer in full.`, input, numberedSections("Solution", solutions), skeptic, bulleted(ver.Concerns))
}

func metaCritiquePrompt(input, answer string) string {
	return fmt.Sprintf(`Judge whether this answer fully addresses the problem.

Problem: %s

Answer:
%s

Reply with JSON: {"complete": bool, "gaps": ["..."]}`, input, answer)
}

func resynthesizePrompt(input, answer string, gaps []string) string {
	return fmt.Sprintf(`This answer has gaps. Rewrite it to close every one.

Problem: %s

Answer:
%s

Gaps:
%s

Produce the complete answer in full.`, input, answer, bulleted(gaps))
}

func illustratePrompt(input, answer string) string {
	return fmt.Sprintf(`Create a single clear image illustrating this answer.

Question: %s

Answer:
%s`, input, answer)
}

func bulleted(items []string) string {
	if len(items) == 0 {
		return "- (none)"
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func numberedSections(label string, sections []string) string {
	var b strings.Builder
	for i, s := range sections {
		fmt.Fprintf(&b, "%s %d:\n%s\n\n", label, i+1, s)
	}
	return strings.TrimRight(b.String(), "\n")
}

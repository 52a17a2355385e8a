package council

import (
	"fmt"
	"strings"
)

const stage1SystemPrompt = `You are a member of a council of AI models. Answer the user's question directly, accurately, and completely. Respond in the language the user writes in.`

// buildRankingPrompt anonymizes the stage 1 answers under their labels and
// asks the evaluator for an explicit FINAL RANKING block.
func buildRankingPrompt(question string, labels []string, answers map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The user asked:\n\n%s\n\n", question)
	fmt.Fprintf(&b, "Below are %d anonymous responses to that question.\n\n", len(labels))
	for _, label := range labels {
		fmt.Fprintf(&b, "%s:\n%s\n\n", label, answers[label])
	}
	b.WriteString("Evaluate every response for accuracy, completeness, and clarity. ")
	b.WriteString("Briefly justify your judgement, then end your reply with a final verdict in exactly this format, best response first, listing every response once:\n\n")
	b.WriteString("FINAL RANKING:\n")
	for i, label := range labels {
		fmt.Fprintf(&b, "%d. %s\n", i+1, label)
	}
	b.WriteString("\n(The example order above is only illustrative; use your own order.)")
	return b.String()
}

// buildChairmanPrompt embeds the anonymized answers and the evaluator texts
// and asks for a direct synthesized answer.
func buildChairmanPrompt(question string, labels []string, answers map[string]string, evaluations []string) string {
	var b strings.Builder
	b.WriteString("You are the chairman of a council of AI models.\n\n")
	fmt.Fprintf(&b, "The user asked:\n\n%s\n\n", question)
	b.WriteString("The council produced these anonymous responses:\n\n")
	for _, label := range labels {
		fmt.Fprintf(&b, "%s:\n%s\n\n", label, answers[label])
	}
	if len(evaluations) > 0 {
		b.WriteString("The council members then evaluated each other's responses:\n\n")
		for i, eval := range evaluations {
			fmt.Fprintf(&b, "Evaluator %d:\n%s\n\n", i+1, eval)
		}
	}
	b.WriteString("Synthesize the single best possible answer for the user, drawing on the strongest responses and the evaluations. ")
	b.WriteString("Answer the user directly in the language they used. Do not mention the council, the responses, or the evaluation process.")
	return b.String()
}

// buildTitlePrompt asks for a short session title from the first message.
func buildTitlePrompt(firstMessage string) string {
	return fmt.Sprintf(
		"Generate a short title (at most six words) for a conversation that starts with the message below. Reply with the title only, no quotes and no trailing punctuation.\n\n%s",
		firstMessage)
}

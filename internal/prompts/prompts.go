// Package prompts builds the writer and reviewer prompts. Pure string
// assembly; the orchestrator decides which builder to call.
package prompts

import "strings"

const writerTemplate = `You are an AI book writer. Your task is to "spin" (rewrite, expand, and adapt) the provided chapter content.
The goal is to make it suitable for a new audience or give it a different style/tone.

Here are the instructions for spinning:
- **Audience:** Rewrite this chapter for a general audience, making it more engaging and accessible with simple english, such that it is understandable.
- **Tone:** Maintain a slightly formal but captivating tone, suitable for a narrative book.
- **Length:** Expand the content slightly, aiming for about 1.5 times the original length, but do not add new factual information not present in the original.
- **Focus:** Emphasize the narrative flow and character actions, if any are implied.
- **Original Content:**
---
{{chapter_content}}
---

Please provide the spun chapter content below:
`

const revisionTemplate = `You are an AI writer tasked with revising a book chapter.
The original chapter content is provided below.
The human reviewer has requested a revision with the following feedback:
---
{{feedback}}
---
Please rewrite and refine the chapter content based on this feedback.
Ensure the revised content maintains the original style and tone, but addresses the specific points raised in the feedback.
Revised Chapter Content:
{{chapter_content}}
`

const reviewerTemplate = `You are an AI book reviewer. Your task is to critically evaluate the provided "spun" chapter content.
Assess its quality based on the following criteria:

- **Coherence & Flow:** Does the chapter read smoothly? Are there any abrupt transitions?
- **Grammar & Spelling:** Identify any grammatical errors, typos, or punctuation mistakes.
- **Adherence to Instructions:** Does it follow the spinning instructions given to the AI Writer (e.g., audience, tone, length, focus)?
- **Originality (within spinning context):** Does it feel like a reinterpretation rather than a direct copy?
- **Engagement:** Is the content engaging and interesting?
- **Potential Improvements:** Suggest specific areas or sentences that could be improved.

Here is the "spun" chapter content to review:
---
{{spun_chapter_content}}
---

Please provide a detailed review, including a summary of strengths, weaknesses, and actionable suggestions for improvement.
`

// Writer builds a fresh-rewrite prompt for the given chapter content.
func Writer(chapterContent string) string {
	return strings.ReplaceAll(writerTemplate, "{{chapter_content}}", chapterContent)
}

// Revision builds a revise-with-feedback prompt. Callers should only use this
// when feedback is non-empty; the writer template covers the fresh case.
func Revision(chapterContent, feedback string) string {
	s := strings.ReplaceAll(revisionTemplate, "{{feedback}}", feedback)
	return strings.ReplaceAll(s, "{{chapter_content}}", chapterContent)
}

// Reviewer builds a critique prompt for spun content.
func Reviewer(spunContent string) string {
	return strings.ReplaceAll(reviewerTemplate, "{{spun_chapter_content}}", spunContent)
}

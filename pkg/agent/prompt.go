package agent

import (
	"strings"
)

// PromptSection is one named block of the system prompt. Bodies may
// contain {{VAR}} placeholders substituted at build time.
type PromptSection struct {
	Name     string
	Body     string
	Required bool
}

// PromptBuilder composes the system prompt from named sections joined
// by a fixed delimiter. Built-in sections define the agent's role and
// rules; callers register per-iteration context sections on top.
type PromptBuilder struct {
	sections []PromptSection
	context  []PromptSection
}

const sectionDelimiter = "\n\n====\n\n"

func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{sections: builtinSections()}
}

// AddContextSection registers an optional section appended after the
// built-ins. Registering the same name again replaces the body.
func (b *PromptBuilder) AddContextSection(name, body string) {
	for i := range b.context {
		if b.context[i].Name == name {
			b.context[i].Body = body
			return
		}
	}
	b.context = append(b.context, PromptSection{Name: name, Body: body})
}

// RemoveContextSection drops a previously registered context section.
func (b *PromptBuilder) RemoveContextSection(name string) {
	for i := range b.context {
		if b.context[i].Name == name {
			b.context = append(b.context[:i], b.context[i+1:]...)
			return
		}
	}
}

// Build renders the prompt, substituting {{VAR}} placeholders from
// vars. Optional sections with empty bodies are skipped; required
// sections always render.
func (b *PromptBuilder) Build(vars map[string]string) string {
	return b.BuildFiltered(nil, vars)
}

// BuildFiltered renders the prompt excluding the named sections.
// Required sections cannot be excluded.
func (b *PromptBuilder) BuildFiltered(exclude []string, vars map[string]string) string {
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	var parts []string
	for _, section := range append(append([]PromptSection{}, b.sections...), b.context...) {
		if excluded[section.Name] && !section.Required {
			continue
		}
		body := substitute(section.Body, vars)
		if strings.TrimSpace(body) == "" && !section.Required {
			continue
		}
		parts = append(parts, section.Name+"\n\n"+strings.TrimSpace(body))
	}
	return strings.Join(parts, sectionDelimiter)
}

func substitute(body string, vars map[string]string) string {
	for key, value := range vars {
		body = strings.ReplaceAll(body, "{{"+key+"}}", value)
	}
	return body
}

func builtinSections() []PromptSection {
	return []PromptSection{
		{
			Name:     "AGENT_ROLE",
			Required: true,
			Body: `You are an autonomous software engineering agent. You implement issue #{{ISSUE_NUMBER}} of the repository {{OWNER}}/{{REPO}} as a pull request, working step by step through the tools you are given.`,
		},
		{
			Name:     "CAPABILITIES",
			Required: true,
			Body: `You can read and search the repository, create branches, modify files, commit and push changes, run the project's validation suite, and open pull requests. Every action happens through a tool call; you cannot act outside the tool set.`,
		},
		{
			Name:     "RULES",
			Required: true,
			Body: `- Work on exactly one issue: the one described below.
- Never post comments to the issue tracker while working. The only way to finish is the attempt_completion tool.
- Make one logical step per response. Inspect before you modify.
- If a tool call fails, read the error and adjust; do not repeat the identical call.
- Keep changes minimal and focused on the issue. Do not refactor unrelated code.`,
		},
		{
			Name:     "WORKFLOW",
			Required: true,
			Body: `1. Read the issue and explore the relevant files.
2. Create a working branch.
3. Modify the files needed to resolve the issue.
4. Run validation. If it fails, fix the problems and run it again.
5. Commit and push your changes.
6. Open a pull request. Validation must have passed first.
7. Call attempt_completion with a short summary.`,
		},
	}
}

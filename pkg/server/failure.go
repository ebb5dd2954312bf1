package server

import (
	"fmt"
	"strings"
)

// FailureCategory classifies a task failure for user presentation.
type FailureCategory string

const (
	FailureConfiguration FailureCategory = "configuration"
	FailureAuth          FailureCategory = "authentication"
	FailureTimeout       FailureCategory = "timeout"
	FailureNetwork       FailureCategory = "network"
	FailureAPI           FailureCategory = "api"
	FailureTool          FailureCategory = "tool"
	FailureValidation    FailureCategory = "validation"
	FailureInternal      FailureCategory = "internal"
)

type failureProfile struct {
	emoji       string
	explanation string
	remediation []string
}

var failureProfiles = map[FailureCategory]failureProfile{
	FailureConfiguration: {
		emoji:       "⚙️",
		explanation: "The agent is missing required configuration.",
		remediation: []string{
			"Check that all required environment variables are set (`LLM_API_KEY`, `GITHUB_TOKEN`).",
			"Review the configuration file for typos or missing sections.",
		},
	},
	FailureAuth: {
		emoji:       "🔑",
		explanation: "A credential was rejected by an upstream service.",
		remediation: []string{
			"Verify the API key and tracker token are valid and not expired.",
			"Confirm the token has the scopes needed to push branches and open pull requests.",
		},
	},
	FailureTimeout: {
		emoji:       "⏱️",
		explanation: "An operation timed out before completing.",
		remediation: []string{
			"Retry the task; the upstream service may have been slow.",
			"Increase `LLM_READ_TIMEOUT` if the model routinely needs longer.",
		},
	},
	FailureNetwork: {
		emoji:       "🌐",
		explanation: "A network error interrupted the task.",
		remediation: []string{
			"Check connectivity to the LLM provider and the tracker API.",
			"Retry the task once the network is stable.",
		},
	},
	FailureAPI: {
		emoji:       "📡",
		explanation: "An upstream API returned an error.",
		remediation: []string{
			"Check the provider's status page for incidents.",
			"Retry the task; transient API errors usually clear quickly.",
		},
	},
	FailureTool: {
		emoji:       "🔧",
		explanation: "A tool the agent relies on kept failing.",
		remediation: []string{
			"Check the repository state: the branch or files the agent needed may be missing.",
			"Re-run the task after fixing the underlying repository problem.",
		},
	},
	FailureValidation: {
		emoji:       "🧪",
		explanation: "The changes did not pass the project's validation suite.",
		remediation: []string{
			"Inspect the validation output on the working branch.",
			"Clarify the issue description if the expected behavior was ambiguous.",
		},
	},
	FailureInternal: {
		emoji:       "💥",
		explanation: "The agent hit an internal error.",
		remediation: []string{
			"Retry the task.",
			"If it keeps failing, check the agent logs and file a bug with the error below.",
		},
	},
}

// CategorizeFailure infers the failure category from the error text.
func CategorizeFailure(err error) FailureCategory {
	text := strings.ToLower(err.Error())
	switch {
	case containsAny(text, "environment variable", "config", "is required"):
		return FailureConfiguration
	case containsAny(text, "401", "403", "unauthorized", "forbidden", "authentication", "credential"):
		return FailureAuth
	case containsAny(text, "timeout", "deadline exceeded", "timed out"):
		return FailureTimeout
	case containsAny(text, "connection", "network", "unreachable", "no such host"):
		return FailureNetwork
	case containsAny(text, "api error", "status 5", "429", "rate limit"):
		return FailureAPI
	case containsAny(text, "consecutive mistakes", "tool"):
		return FailureTool
	case containsAny(text, "validation"):
		return FailureValidation
	default:
		return FailureInternal
	}
}

// FormatFailureComment renders the markdown comment posted to the issue
// when a task fails.
func FormatFailureComment(err error) string {
	category := CategorizeFailure(err)
	profile := failureProfiles[category]

	var b strings.Builder
	fmt.Fprintf(&b, "%s **Task failed** (%s)\n\n", profile.emoji, category)
	b.WriteString(profile.explanation + "\n\n")
	b.WriteString("**What to try:**\n")
	for _, step := range profile.remediation {
		b.WriteString("- " + step + "\n")
	}
	fmt.Fprintf(&b, "\n<details>\n<summary>Technical details</summary>\n\n```\n%s\n```\n</details>\n", err.Error())
	return b.String()
}

func containsAny(text string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

package approval

import (
	"fmt"
	"strings"
)

// BodyInput holds the content of a generated change request body.
type BodyInput struct {
	Summary      string
	Changes      []string
	Tests        []string
	Verification []string
	IssueNumber  int
	IssueURL     string
	Notes        string
	BaseTemplate string // Optional repository template prepended to the body
}

// GenerateBody renders a change request body. It links the issue with
// "Related to" and never emits an auto-close keyword.
func GenerateBody(in BodyInput) string {
	var b strings.Builder

	if base := strings.TrimSpace(in.BaseTemplate); base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}

	b.WriteString("### Summary\n")
	b.WriteString(strings.TrimSpace(in.Summary))
	b.WriteString("\n\n### Changes\n")
	writeList(&b, in.Changes, "%s")

	b.WriteString("\n### Unit Tests Added/Updated\n")
	if len(in.Tests) == 0 {
		b.WriteString("None\n")
	} else {
		writeList(&b, in.Tests, "%s")
	}

	b.WriteString("\n### Verification\n")
	writeList(&b, in.Verification, "`%s`")

	b.WriteString("\n### Related to\n")
	switch {
	case in.IssueNumber > 0:
		fmt.Fprintf(&b, "Related to #%d\n", in.IssueNumber)
		if in.IssueURL != "" {
			b.WriteString(in.IssueURL + "\n")
		}
	case in.IssueURL != "":
		fmt.Fprintf(&b, "Related to %s\n", in.IssueURL)
	default:
		b.WriteString("None\n")
	}

	b.WriteString("\n### Notes/Risks\n")
	if notes := strings.TrimSpace(in.Notes); notes != "" {
		b.WriteString(notes + "\n")
	} else {
		b.WriteString("None\n")
	}
	return b.String()
}

func writeList(b *strings.Builder, items []string, format string) {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			fmt.Fprintf(b, "- "+format+"\n", it)
		}
	}
}

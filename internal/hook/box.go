package hook

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"causeway/internal/enforcer"
	"causeway/internal/store"
)

const boxWidth = 76

// The host shows the reason verbatim, so the box is drawn without colour.
var boxStyle = lipgloss.NewRenderer(io.Discard).NewStyle().
	Border(lipgloss.RoundedBorder()).
	Padding(0, 1).
	Width(boxWidth)

// Box renders the explanation shown to the user for a block or warn.
func Box(v enforcer.Verdict) string {
	title := "CAUSEWAY BLOCKED TOOL USE"
	if v.Decision == store.DecisionWarn {
		title = "CAUSEWAY FLAGGED TOOL USE"
	}
	lines := []string{fmt.Sprintf("%s - RULE #%d", title, v.RuleID()), ""}
	if v.Rule != nil {
		lines = append(lines, "Description: "+v.Rule.Label())
		if sol := v.Rule.Solution(); sol != "" {
			lines = append(lines, "Suggested solution: "+sol)
		}
	}
	if v.Rationale != "" {
		lines = append(lines, "Reason: "+v.Rationale)
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

package reminder

import (
	"fmt"
	"html"
	"strings"

	"github.com/magabrotheeeer/breezeminder/internal/models"
)

// Describe возвращает описание условия, например "Stored Value falls below $20.00".
// Результат зависит только от типа и параметров условия.
func Describe(cond models.Condition) string {
	name, action, quantity := describeParts(cond)
	return strings.TrimSpace(strings.Join(nonEmpty(name, action, quantity), " "))
}

// DescribeHTML возвращает то же описание с выделенными названием типа и количеством.
func DescribeHTML(cond models.Condition) string {
	name, action, quantity := describeParts(cond)
	parts := []string{"<strong>" + html.EscapeString(name) + "</strong>"}
	if action != "" {
		parts = append(parts, html.EscapeString(action))
	}
	if quantity != "" {
		parts = append(parts, "<strong>"+html.EscapeString(quantity)+"</strong>")
	}
	return strings.Join(parts, " ")
}

func describeParts(cond models.Condition) (name, action, quantity string) {
	if cond == nil {
		return "", "", ""
	}
	name = cond.Type().Name()

	switch c := cond.(type) {
	case models.BalanceBelow:
		return name, "falls below", "$" + c.Threshold.StringFixed(2)
	case models.RidesBelow:
		return name, "falls below", fmt.Sprintf("%d", c.Threshold)
	case models.RoundTripsBelow:
		return name, "falls below", fmt.Sprintf("%d", c.Threshold)
	case models.ExpiresIn:
		return name, "is", fmt.Sprintf("%d %s away", c.Amount, c.Unit)
	}
	// BalanceAvailable и ProductAvailable описываются одним названием.
	return name, "", ""
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

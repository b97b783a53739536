package dispatch

import (
	"fmt"

	"sender/internal/broadcast"
)

// selector returns the template picker for mode. Alternating mode is
// deterministic in the recipient index; random mode draws uniformly.
func selector(mode broadcast.TemplateMode, templates []broadcast.Template, intn func(int) int) (func(i int) broadcast.Template, error) {
	if len(templates) == 0 {
		return nil, fmt.Errorf("%w: no templates", broadcast.ErrInvalidConfiguration)
	}
	n := len(templates)
	switch mode {
	case broadcast.ModeAlternating:
		return func(i int) broadcast.Template { return templates[i%n] }, nil
	case broadcast.ModeRandom, "":
		return func(int) broadcast.Template { return templates[intn(n)] }, nil
	default:
		return nil, fmt.Errorf("%w: template mode %q", broadcast.ErrInvalidConfiguration, string(mode))
	}
}

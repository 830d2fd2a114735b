package cli

import (
	"fmt"
	"strings"

	"github.com/roach88/evidence/internal/ir"
)

// parseDescriptor turns "module.action" and a JSON payload into a descriptor.
func parseDescriptor(route, payload string) (ir.ActionDescriptor, error) {
	module, action, ok := strings.Cut(route, ".")
	if !ok || module == "" || action == "" {
		return ir.ActionDescriptor{}, NewExitError(ExitCommandError,
			fmt.Sprintf("invalid action %q: expected <module>.<action>", route))
	}
	obj := ir.Object{}
	if payload != "" {
		var err error
		if obj, err = ir.ParseObject([]byte(payload)); err != nil {
			return ir.ActionDescriptor{}, WrapExitError(ExitCommandError, "invalid --payload JSON", err)
		}
	}
	return ir.ActionDescriptor{Module: module, Action: action, Payload: obj}, nil
}

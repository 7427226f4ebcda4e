// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"foundry/pkg/registry"
)

// resolveFunction implements spec §4.2's FUNCTION handler resolution:
// "builtin_function_map[name] for bare names, else
// function_map[module][name]() which MUST return either a fresh
// external-function object or a tuple (override_module, handler)".
func resolveFunction(module, name string) (registry.ExternalFunction, error) {
	if module == "" {
		if name == "delay" {
			return delayFunc{}, nil
		}
		return nil, &NotDefinedError{Msg: "no such builtin function " + name}
	}

	for hops := 0; hops < 8; hops++ {
		mod, ok := registry.ModuleRegistry.Get(module)
		if !ok {
			return nil, &NotDefinedError{Msg: "no such module " + module}
		}
		fn, overrideModule, ok := mod.NewFunction(name)
		if overrideModule != "" {
			module = overrideModule
			continue
		}
		if !ok {
			return nil, &NotDefinedError{Msg: "module " + module + " has no function " + name}
		}
		return fn, nil
	}
	return nil, &NotDefinedError{Msg: "module override chain too deep resolving " + name}
}

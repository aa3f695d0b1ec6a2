package templates

import (
	_ "embed"
	"fmt"
	"sync"
)

// The builtin catalog ships as data, not code. Deleting a builtin is
// forbidden; editing requires importing a copy with is_builtin cleared.
//
//go:embed builtin/catalog.json
var builtinCatalog []byte

var (
	builtinOnce sync.Once
	builtins    []*Template
	builtinErr  error
)

// BuiltinTemplates returns deep copies of the embedded catalog. The
// catalog is parsed once; a malformed catalog is a programming error.
func BuiltinTemplates() []*Template {
	builtinOnce.Do(func() {
		builtins, builtinErr = DecodeCatalog(builtinCatalog)
		if builtinErr != nil {
			panic(fmt.Sprintf("embedded builtin catalog invalid: %v", builtinErr))
		}
		for _, t := range builtins {
			t.IsBuiltin = true
		}
	})
	out := make([]*Template, len(builtins))
	for i, t := range builtins {
		out[i] = t.Clone()
	}
	return out
}

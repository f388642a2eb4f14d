package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAutoFixPatterns(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		rule   string
		symbol string
		path   string
	}{
		{
			name:   "missing module",
			stderr: "src/lib/db.ts(1,24): error TS2307: Cannot find module '@prisma/client'",
			rule:   "missing_module",
			symbol: "@prisma/client",
			path:   "src/lib/db.ts",
		},
		{
			name:   "missing name",
			stderr: "src/app/page.tsx(3,10): error TS2304: Cannot find name 'TodoList'.",
			rule:   "missing_name",
			symbol: "TodoList",
			path:   "src/app/page.tsx",
		},
		{
			name:   "undefined symbol",
			stderr: "ReferenceError: fetchTodos is not defined",
			rule:   "undefined_symbol",
			symbol: "fetchTodos",
		},
		{
			name:   "unused declaration",
			stderr: "src/components/Card.tsx:5:7 - error TS6133: 'unusedProp' is declared but its value is never read.",
			rule:   "unused_declaration",
			symbol: "unusedProp",
			path:   "src/components/Card.tsx",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fix, ok := TryAutoFix(tt.stderr)
			require.True(t, ok)
			assert.Equal(t, tt.rule, fix.Rule)
			assert.Equal(t, tt.symbol, fix.Symbol)
			assert.Equal(t, tt.path, fix.Path)
			assert.Contains(t, fix.Instruction, tt.symbol)
		})
	}
}

func TestTryAutoFixNoMatch(t *testing.T) {
	_, ok := TryAutoFix("Error: 17 tests failed, see report above")
	assert.False(t, ok)

	_, ok = TryAutoFix("")
	assert.False(t, ok)
}

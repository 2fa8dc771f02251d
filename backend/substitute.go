package backend

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vecjit/vecjit/dtype"
)

func regName(op Operand) string {
	if op.Imm != nil {
		return fmt.Sprintf("%v", op.Imm)
	}
	return string(op.Reg)
}

func bitType(t dtype.Type) string {
	switch t.Size() {
	case 1:
		return "b8"
	case 2:
		return "b16"
	case 4:
		return "b32"
	case 8:
		return "b64"
	default:
		return "b0"
	}
}

// Substitute performs the $rN/$tN/$bN textual templating pass: index 0
// refers to the output operand, 1-3 to the statement's operands. It is
// shared by every Emitter implementation since the placeholder rewrite
// itself does not depend on the target IR dialect.
func Substitute(raw string, out Operand, ops [3]Operand) string {
	operandAt := func(n int) Operand {
		if n == 0 {
			return out
		}
		return ops[n-1]
	}
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] != '$' || i+2 >= len(raw) {
			b.WriteByte(raw[i])
			continue
		}
		kind := raw[i+1]
		if kind != 'r' && kind != 't' && kind != 'b' {
			b.WriteByte(raw[i])
			continue
		}
		n, err := strconv.Atoi(string(raw[i+2]))
		if err != nil || n < 0 || n > 3 {
			b.WriteByte(raw[i])
			continue
		}
		op := operandAt(n)
		switch kind {
		case 'r':
			b.WriteString(regName(op))
		case 't':
			b.WriteString(op.Type.String())
		case 'b':
			b.WriteString(bitType(op.Type))
		}
		i += 2
	}
	return b.String()
}

package compiler

import (
	"fmt"

	"github.com/vaporsphere-staging/cpp-ethereum/pkg/ast"
)

// CompilerError means the input AST exceeds what the code generator can
// currently express (for example, a parameter whose calldata-encoded size
// does not fit in one word). It is fatal to the compilation in progress;
// no partial bytecode is produced.
type CompilerError struct {
	At      ast.SourcePos
	Message string
}

func (e *CompilerError) Error() string {
	return fmt.Sprintf("%s: %s", e.At, e.Message)
}

func newCompilerError(at ast.SourcePos, format string, args ...interface{}) *CompilerError {
	return &CompilerError{At: at, Message: fmt.Sprintf(format, args...)}
}

// InternalError means an invariant the core relies on was violated: a
// missing base contract, an unresolved label, an asymmetric virtual stack.
// It always indicates a bug in the core or in a collaborator's contract,
// never a problem with the user's program.
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string {
	return "internal error: " + e.Message
}

func internalErrorf(format string, args ...interface{}) *InternalError {
	return &InternalError{Message: fmt.Sprintf(format, args...)}
}

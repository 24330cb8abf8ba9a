//go:build debug_residency

package memutils

// DebugStackTraces indicates whether allocation call stacks are recorded by default for leak reports
const DebugStackTraces = true

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_residency build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

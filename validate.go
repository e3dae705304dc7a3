package brkheap

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

const (
	// HeaderMagic is written into every live block header. A header without it was either never
	// written by the heap or has been absorbed, released or overwritten since.
	HeaderMagic uint32 = 0x7F84E666
)

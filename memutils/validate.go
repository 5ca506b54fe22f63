package memutils

// Validatable is implemented by types whose internal consistency can be
// verified on demand. DebugValidate runs these checks in builds that ask for
// them and stays silent everywhere else.
type Validatable interface {
	Validate() error
}

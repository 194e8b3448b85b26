package registry

// Errors
var (
	ErrUnauthorized  = &RegistryError{Message: "registration secret mismatch"}
	ErrUnknownServer = &RegistryError{Message: "unknown server"}
)

// RegistryError represents a registry error
type RegistryError struct {
	Message string
}

func (e *RegistryError) Error() string {
	return e.Message
}

package router

import "fmt"

// RoutingError means the chosen account's rules deny the requested path.
type RoutingError struct {
	Account string
	Path    string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("account %s has no route for %s", e.Account, e.Path)
}

// LimitsError means the chosen account's quota for the path is used up.
type LimitsError struct {
	Account string
	Path    string
}

func (e *LimitsError) Error() string {
	return fmt.Sprintf("account %s exceeded limits for %s", e.Account, e.Path)
}

// ManagerError covers scheduling failures: no serviceable account, an
// unknown account named explicitly, or an overflowing backlog.
type ManagerError struct {
	Reason string
}

func (e *ManagerError) Error() string { return e.Reason }

func managerErrorf(format string, args ...any) *ManagerError {
	return &ManagerError{Reason: fmt.Sprintf(format, args...)}
}

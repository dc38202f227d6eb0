package tunnel

import (
	"fmt"

	"envelope-tunnel/internal/config"
)

// ValidateProject extracts the routing key from header and checks its project
// id against allowed. It performs no I/O.
func ValidateProject(header Header, allowed config.ProjectSet) (DSN, error) {
	raw, present, err := header.DSN()
	if !present {
		return DSN{}, newError(MissingDSN, nil)
	}
	if err != nil {
		return DSN{}, newError(MalformedDSN, err)
	}

	dsn, err := ParseDSN(raw)
	if err != nil {
		return DSN{}, newError(MalformedDSN, err)
	}

	if !allowed.Contains(dsn.ProjectID) {
		return dsn, newError(InvalidProjectID, fmt.Errorf("project %q is not allowed", dsn.ProjectID))
	}
	return dsn, nil
}

package source

import (
	"fmt"

	"github.com/lindung-io/lindung/internal/logger"
)

// ForTarget resolves the built-in connector for a target. Database targets
// carry a DSN in Path, file and object-store targets a root directory.
func ForTarget(target Target, log *logger.Logger) (DataSource, error) {
	switch target.Type {
	case TypeDatabase:
		return NewDatabaseSource(target.Path, target.Name, log)
	case TypeFile, TypeObjectStore:
		return NewFileSource(target.Path, log), nil
	default:
		return nil, fmt.Errorf("unsupported source type %q", target.Type)
	}
}

package identifier

import (
	"database/sql"
	"fmt"

	"github.com/lewtec/plantid/internal/repository"
)

// GetDatabase opens the sqlite database and brings its schema up to date
func GetDatabase(filename string) (*sql.DB, error) {
	db, err := repository.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("while opening database '%s': %w", filename, err)
	}
	return db, nil
}
